package capture

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleFrames() []Frame {
	base := time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC)
	return []Frame{
		{Timestamp: base, Direction: DirectionOut, Channel: 11, Peer: 0xFFFFFFFFFFFFFFFF, Command: "ScanRequest", Seq: 1, Data: []byte{0x11, 0x01, 0x00}},
		{Timestamp: base.Add(time.Millisecond), Direction: DirectionIn, Channel: 11, Peer: 0x00124B0001020304, LQI: 200, Command: "ScanResponse", Seq: 1, Data: []byte{0x19, 0x01, 0x01}},
		{Timestamp: base.Add(2 * time.Millisecond), Direction: DirectionOut, Channel: 11, Peer: 0x00124B0001020304, Command: "IdentifyRequest", Seq: 2, Data: []byte{0x11, 0x02, 0x06}},
	}
}

func writeCapture(t *testing.T, frames []Frame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "touchlink.cbor")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range frames {
		l.Record(f)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCaptureRoundTrip(t *testing.T) {
	want := sampleFrames()
	path := writeCapture(t, want)

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("frames = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Timestamp.Equal(want[i].Timestamp) {
			t.Errorf("frame %d timestamp = %v, want %v", i, got[i].Timestamp, want[i].Timestamp)
		}
		if got[i].Peer != want[i].Peer || got[i].Command != want[i].Command || got[i].LQI != want[i].LQI {
			t.Errorf("frame %d = %+v, want %+v", i, got[i], want[i])
		}
		if !bytes.Equal(got[i].Data, want[i].Data) {
			t.Errorf("frame %d data = %X", i, got[i].Data)
		}
	}
}

func TestCaptureAppends(t *testing.T) {
	frames := sampleFrames()
	path := writeCapture(t, frames[:1])

	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Record(frames[1])
	l.Close()
	l.Record(frames[2]) // ignored after close

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("frames = %d, want 2", len(got))
	}
}

func TestFilteredReader(t *testing.T) {
	path := writeCapture(t, sampleFrames())
	out := DirectionOut

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"outbound", Filter{Direction: &out}, 2},
		{"peer", Filter{Peer: 0x00124B0001020304}, 2},
		{"command", Filter{Command: "ScanResponse"}, 1},
		{"no match", Filter{Command: "NetworkStartRequest"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewFilteredReader(path, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			got, err := r.ReadAll()
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("frames = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	if _, err := DecodeFrame([]byte{0xFF, 0x00}); err == nil {
		t.Error("expected decode error")
	}
	data, err := EncodeFrame(sampleFrames()[0])
	if err != nil {
		t.Fatal(err)
	}
	if f, err := DecodeFrame(data); err != nil || f.Seq != 1 {
		t.Errorf("decode: %+v, %v", f, err)
	}
}

func TestNewReaderMissingFile(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "missing.cbor"))
	if !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}
