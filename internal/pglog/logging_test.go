package pglog

import (
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter is an in-memory Writer substitute, since tests can't open a
// live syslog socket.
type fakeWriter struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeWriter) Debug(m string) error   { return f.record("DEBUG", m) }
func (f *fakeWriter) Info(m string) error    { return f.record("INFO", m) }
func (f *fakeWriter) Warning(m string) error { return f.record("WARN", m) }
func (f *fakeWriter) Err(m string) error     { return f.record("ERROR", m) }
func (f *fakeWriter) Close() error           { return nil }

func (f *fakeWriter) record(level, m string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, level+": "+m)
	return nil
}

func (f *fakeWriter) all() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.lines, "\n")
}

func TestLevelFiltering(t *testing.T) {
	w := &fakeWriter{}
	l := NewWithWriter(w, WARN)
	l.Debugf("hidden")
	l.Infof("also hidden")
	l.Warnf("shown")
	l.Errorf("also shown")

	out := w.all()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "also shown")
}

func TestWithComponentOverride(t *testing.T) {
	w := &fakeWriter{}
	l := NewWithWriter(w, WARN)
	l.SetComponentLevel("dal", DEBUG)

	dal := l.WithComponent("dal")
	dal.Debugf("verbose dal message")

	other := l.WithComponent("handlers")
	other.Debugf("should not appear")

	out := w.all()
	assert.Contains(t, out, "verbose dal message")
	assert.NotContains(t, out, "should not appear")
}

func TestWithFieldAppendsContext(t *testing.T) {
	w := &fakeWriter{}
	l := NewWithWriter(w, DEBUG).WithField("path", "/a/b")
	l.Infof("lookup")
	assert.Contains(t, w.all(), "path=/a/b")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WARN, lvl)

	_, err = ParseLevel("bogus")
	assert.Error(t, err)
}

func TestFormatOpenFlags(t *testing.T) {
	s := FormatOpenFlags(syscall.O_CREAT | syscall.O_TRUNC | syscall.O_RDWR)
	assert.Contains(t, s, "O_RDWR")
	assert.Contains(t, s, "O_CREAT")
	assert.Contains(t, s, "O_TRUNC")
}
