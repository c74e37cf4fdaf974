package testutil

import (
	"log"
	"strings"
	"sync"
	"testing"
)

// TestLogger returns a logger whose output is attached to t, so it only
// shows for failing tests or with -v. Lines logged by goroutines that
// outlive t are discarded.
func TestLogger(t testing.TB) *log.Logger {
	w := &testWriter{t: t}
	t.Cleanup(w.detach)
	return log.New(w, "", log.Lmicroseconds)
}

type testWriter struct {
	mu sync.Mutex
	t  testing.TB
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.t != nil {
		w.t.Helper()
		w.t.Log(strings.TrimSuffix(string(p), "\n"))
	}
	return len(p), nil
}

func (w *testWriter) detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.t = nil
}
