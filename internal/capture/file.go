package capture

import (
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Recorder receives captured frames.
type Recorder interface {
	Record(f Frame)
}

// FileLogger appends frames to a CBOR file. It is safe for concurrent use.
type FileLogger struct {
	file    *os.File
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
}

var _ Recorder = (*FileLogger)(nil)

// NewFileLogger opens path for appending, creating it with mode 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{
		file:    f,
		encoder: newEncoder(f),
	}, nil
}

// Record writes f. Encoding errors are dropped; capture never disrupts
// commissioning. Frames recorded after Close are ignored.
func (l *FileLogger) Record(f Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	_ = l.encoder.Encode(f)
}

// Close closes the file. It is safe to call Close multiple times.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
