package stream

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"example.com/h2stream/internal/config"
	"example.com/h2stream/internal/logger"
)

// syncBuffer guards a bytes.Buffer; mock clock callbacks log from their own
// goroutine.
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

func TestWatchdog_FiresOnce(t *testing.T) {
	mock := clock.NewMock()
	var fired atomic.Int32
	w := NewWatchdog(mock, time.Second, func() { fired.Add(1) })
	assert.Equal(t, time.Second, w.Delay())

	w.Arm()
	w.Arm() // re-arming replaces the running timer
	assert.True(t, w.Armed())

	mock.Add(999 * time.Millisecond)
	assert.Never(t, func() bool { return fired.Load() > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	mock.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)

	mock.Add(time.Hour)
	assert.Never(t, func() bool { return fired.Load() > 1 }, 30*time.Millisecond, 5*time.Millisecond)
	assert.False(t, w.Armed())
}

func TestWatchdog_Disarm(t *testing.T) {
	mock := clock.NewMock()
	var fired atomic.Int32
	w := NewWatchdog(mock, time.Second, func() { fired.Add(1) })

	w.Disarm() // nothing armed yet
	w.Arm()
	w.Disarm()
	w.Disarm()
	assert.False(t, w.Armed())

	mock.Add(5 * time.Second)
	assert.Never(t, func() bool { return fired.Load() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestWatchdog_DefaultDelay(t *testing.T) {
	w := NewWatchdog(nil, 0, nil)
	assert.Equal(t, DefaultLeakDelay, w.Delay())
}

func TestStream_LeakWarning(t *testing.T) {
	mock := clock.NewMock()
	out := &syncBuffer{}
	var leaked atomic.Int32
	opts := Options{
		Identifier: "fetch-7",
		Logger:     logger.New(out, config.LogLevelWarning),
		Clock:      mock,
		OnLeak:     func(*Stream) { leaked.Add(1) },
	}

	s, ft, _ := newAttachedStream(opts)
	ft.emitResponse(jsonHeaders())

	mock.Add(DefaultLeakDelay - time.Millisecond)
	assert.Never(t, func() bool { return leaked.Load() > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	mock.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return leaked.Load() == 1 }, time.Second, 5*time.Millisecond)

	logged := out.String()
	assert.Contains(t, logged, "payload was never consumed")
	assert.Contains(t, logged, `"identifier":"fetch-7"`)
	assert.Contains(t, logged, `"delay_ms":10000`)

	// The warning is diagnostic only.
	assert.Equal(t, StateResponseReceived, s.State())
	assert.False(t, s.IsClosed())
}

func TestStream_LeakWarningSuppressed(t *testing.T) {
	tests := []struct {
		name  string
		after func(s *Stream, ft *fakeTransport)
	}{
		{
			name:  "payload arrives",
			after: func(_ *Stream, ft *fakeTransport) { ft.emitData([]byte("x")) },
		},
		{
			name:  "payload is piped",
			after: func(_ *Stream, ft *fakeTransport) { ft.emitPipe() },
		},
		{
			name:  "stream closes",
			after: func(_ *Stream, ft *fakeTransport) { ft.emitClose() },
		},
		{
			name:  "stream errors",
			after: func(_ *Stream, ft *fakeTransport) { ft.emitError(NewStreamError(5, ErrCodeInternalError, "boom")) },
		},
		{
			name:  "peer aborts",
			after: func(_ *Stream, ft *fakeTransport) { ft.emitAborted() },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mock := clock.NewMock()
			var leaked atomic.Int32
			s, ft, _ := newAttachedStream(Options{
				Clock:     mock,
				LeakDelay: time.Second,
				OnLeak:    func(*Stream) { leaked.Add(1) },
			})
			ft.emitResponse(jsonHeaders())
			tc.after(s, ft)

			mock.Add(time.Minute)
			assert.Never(t, func() bool { return leaked.Load() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
		})
	}
}

func TestStream_NoLeakWarningWithoutHeaders(t *testing.T) {
	mock := clock.NewMock()
	var leaked atomic.Int32
	newAttachedStream(Options{Clock: mock, OnLeak: func(*Stream) { leaked.Add(1) }})

	mock.Add(time.Minute)
	assert.Never(t, func() bool { return leaked.Load() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}
