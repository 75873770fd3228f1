package testutils

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	out    *syncBuffer
}

// NewTestHelper creates a test helper whose logger writes into an in-memory buffer,
// so log output can be asserted instead of cluttering test output.
func NewTestHelper(t *testing.T) *TestHelper {
	out := &syncBuffer{}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("captured log:\n%s", out.String())
		}
	})

	return &TestHelper{
		T:      t,
		Logger: logger,
		out:    out,
	}
}

// LogOutput returns everything logged so far
func (h *TestHelper) LogOutput() string {
	return h.out.String()
}

// syncBuffer is a bytes.Buffer safe for concurrent writers
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
