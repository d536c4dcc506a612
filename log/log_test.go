package log

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

var (
	sampleInt      = 3
	sampleBytes    = []byte("123")
	sampleList     = []int64{10, 0, -10}
	sampleDuration = time.Second
	sampleTime     = time.Unix(12345678, 0)

	errSample = errors.New("some error")
)

func doLogs() {
	Infof("appended %d signups to poll %x", sampleInt, sampleBytes)
	Debugw("committing checkpoint", "poll", "abc123", "phase", "processed")
	Errorf("cannot commit checkpoint: %v", errSample)
	Warnw("various types",
		"list", sampleList,
		"duration", sampleDuration,
		"time", sampleTime,
	)
	Error(errSample)
}

func TestCheckInvalidChars(t *testing.T) {
	t.Cleanup(func() { panicOnInvalidChars = false })

	v := []byte{'h', 'e', 'l', 'l', 'o', 0xff, 'w', 'o', 'r', 'l', 'd'}
	panicOnInvalidChars = false
	Init("debug", "stderr", nil)
	Debugf("%s", v)
	// should not panic since the flag is false

	// now enable panic and try again: should recover() and never reach t.Errorf()
	panicOnInvalidChars = true
	Init("debug", "stderr", nil)
	defer func() { recover() }()
	Debugf("%s", v)
	t.Errorf("Debugf(%s) should have panicked because of invalid char", v)
}

func TestLevelFiltering(t *testing.T) {
	c := qt.New(t)
	t.Cleanup(func() { Init(LogLevelError, "stderr", nil) })

	buf := &bytes.Buffer{}
	logTestWriter = buf
	Init(LogLevelWarn, logTestWriterName, nil)
	c.Assert(Level(), qt.Equals, LogLevelWarn)

	Infow("hidden", "k", "v")
	c.Assert(buf.Len(), qt.Equals, 0)

	Warnw("visible", "phase", "tallied")
	c.Assert(buf.String(), qt.Contains, "visible")
	c.Assert(buf.String(), qt.Contains, "tallied")
}

func TestErrorOutput(t *testing.T) {
	c := qt.New(t)
	t.Cleanup(func() { Init(LogLevelError, "stderr", nil) })

	logTestWriter = io.Discard
	errBuf := &bytes.Buffer{}
	Init(LogLevelDebug, logTestWriterName, errBuf)

	Infow("not an error")
	c.Assert(errBuf.Len(), qt.Equals, 0)
	Errorw(errSample, "provider failed")
	c.Assert(errBuf.String(), qt.Contains, "provider failed")
}

func TestInvalidLevelPanics(t *testing.T) {
	c := qt.New(t)
	t.Cleanup(func() { Init(LogLevelError, "stderr", nil) })
	c.Assert(func() { Init("verbose", "stderr", nil) }, qt.PanicMatches, `invalid log level: "verbose"`)
}

func TestFormatBytes(t *testing.T) {
	c := qt.New(t)
	c.Assert(FormatBytes([]byte{1, 2}), qt.Equals, "0102")
	c.Assert(FormatBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}), qt.Equals, "01020304…06070809")
}

func BenchmarkLogger(b *testing.B) {
	logTestWriter = io.Discard // to not grow a buffer
	Init("debug", logTestWriterName, nil)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		doLogs()
	}
}
