package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeBridge serves a canned subset of the bridge API.
type fakeBridge struct {
	mu       sync.Mutex
	busy     bool
	started  []bool
	resets   int
	lastKey  string
	lastPath string
}

func (f *fakeBridge) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, code int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /api/touchlink", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":   "scan_wait_info",
			"ieee":    "00124B00000000A1",
			"channel": 11,
			"session": map[string]interface{}{"scan_channel": 11, "reset_target": true, "peer": 0xB2},
			"target":  map[string]interface{}{"link_quality": 180, "peer_addr": 0xB2},
		})
	})
	mux.HandleFunc("GET /api/node", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"factory_new": false, "pan_id": "0x1A62", "channel": 15})
	})
	mux.HandleFunc("POST /api/touchlink/start", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ResetTarget bool `json:"reset_target"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.busy {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "touchlink session in progress"})
			return
		}
		f.started = append(f.started, req.ResetTarget)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	})
	mux.HandleFunc("POST /api/node/reset", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.resets++
		f.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "resetting"})
	})
	mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") == "0" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]interface{}{
			{"id": "b", "time": "2026-01-02T03:05:00Z", "kind": "joined", "peer": "00124B00000000B2", "channel": 15, "pan_id": 0x1A62, "short_addr": 2},
			{"id": "a", "time": "2026-01-02T03:04:00Z", "kind": "aborted", "detail": "no target"},
		})
	})
	mux.HandleFunc("GET /api/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"status","data":{"state":"idle"}}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"touchlink","data":{"kind":"joined"}}`))
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastKey = r.Header.Get("X-API-Key")
		if f.lastKey == "" {
			f.lastKey = r.URL.Query().Get("api_key")
		}
		f.lastPath = r.URL.Path
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}

func newTestConsole(t *testing.T, fb *fakeBridge) (*Console, *bytes.Buffer) {
	t.Helper()
	ts := httptest.NewServer(fb.handler())
	t.Cleanup(ts.Close)
	var out bytes.Buffer
	return &Console{client: NewClient(ts.URL+"/", "secret"), out: &out}, &out
}

func TestConsoleCommands(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"status", []string{"State:   scan_wait_info", "Target:  00000000000000B2 (lqi 180)", "reset target true"}},
		{"node", []string{"factory_new:     false", "pan_id:          0x1A62"}},
		{"start", []string{"Touchlink started"}},
		{"reset-target", []string{"target will be reset"}},
		{"reset-node", []string{"Node reset requested"}},
		{"history 2", []string{"joined", "peer 00124B00000000B2", "ch 15 pan 0x1A62 addr 0x0002", "(no target)"}},
		{"history 0", []string{"usage: history [n]"}},
		{"bogus", []string{"Unknown command: bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, out := newTestConsole(t, &fakeBridge{})
			if !c.exec(context.Background(), tt.line) {
				t.Fatal("exec returned false")
			}
			for _, want := range tt.want {
				if !strings.Contains(out.String(), want) {
					t.Errorf("output missing %q:\n%s", want, out.String())
				}
			}
		})
	}
}

func TestConsoleStartSendsResetFlag(t *testing.T) {
	fb := &fakeBridge{}
	c, _ := newTestConsole(t, fb)
	c.exec(context.Background(), "start")
	c.exec(context.Background(), "reset-target")

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.started) != 2 || fb.started[0] || !fb.started[1] {
		t.Errorf("started = %v", fb.started)
	}
	if fb.lastKey != "secret" {
		t.Errorf("api key = %q", fb.lastKey)
	}
}

func TestConsoleBusy(t *testing.T) {
	c, out := newTestConsole(t, &fakeBridge{busy: true})
	c.exec(context.Background(), "start")
	if !strings.Contains(out.String(), "Busy") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConsoleQuit(t *testing.T) {
	c, _ := newTestConsole(t, &fakeBridge{})
	for _, line := range []string{"quit", "exit", "q"} {
		if c.exec(context.Background(), line) {
			t.Errorf("%q did not quit", line)
		}
	}
	if !c.exec(context.Background(), "   ") {
		t.Error("blank line should be ignored")
	}
}

func TestClientErrors(t *testing.T) {
	fb := &fakeBridge{busy: true}
	ts := httptest.NewServer(fb.handler())
	defer ts.Close()
	client := NewClient(ts.URL, "")

	if err := client.Start(context.Background(), false); !errors.Is(err, ErrBusy) {
		t.Errorf("busy start = %v", err)
	}
	_, err := client.History(context.Background(), 0)
	if err == nil || !strings.Contains(err.Error(), "limit must be a positive integer") {
		t.Errorf("history error = %v", err)
	}
}

func TestClientWatch(t *testing.T) {
	fb := &fakeBridge{}
	ts := httptest.NewServer(fb.handler())
	defer ts.Close()
	client := NewClient(ts.URL, "k")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []string
	err := client.Watch(ctx, func(ev Event) { got = append(got, formatEvent(ev)) })
	if err == nil {
		t.Error("watch should report the closed stream")
	}
	if len(got) != 2 || got[0] != `[status] {"state":"idle"}` || got[1] != `[touchlink] {"kind":"joined"}` {
		t.Errorf("events = %q", got)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.lastPath != "/api/ws" || fb.lastKey != "k" {
		t.Errorf("ws request = %s key %q", fb.lastPath, fb.lastKey)
	}
}
