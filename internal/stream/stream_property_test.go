package stream

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Arbitrary byte chunks, including invalid UTF-8 sequences, come back from
// a read issued before the end as their exact concatenation; a read issued
// after a clean end is empty.
func TestProperty_GetBufferConcatenatesExactly(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chunks := rapid.SliceOf(rapid.SliceOfN(rapid.Byte(), 0, 64)).Draw(rt, "chunks")
		readEarly := rapid.Bool().Draw(rt, "readEarly")

		s, ft, _ := newAttachedStream(Options{})
		ft.emitResponse(Headers{"content-type": {"application/octet-stream"}})

		var p *Pending
		if readEarly {
			p = s.GetBuffer()
		}
		var want []byte
		for _, c := range chunks {
			ft.emitData(c)
			want = append(want, c...)
		}
		ft.emitClose()
		if p == nil {
			// A read issued after a clean end finds an inert handle.
			got, err := s.GetBuffer().Wait(context.Background())
			require.NoError(rt, err)
			assert.Empty(rt, got)
			return
		}

		got, err := p.Wait(context.Background())
		require.NoError(rt, err)
		assert.True(rt, bytes.Equal(want, got), "want %x, got %x", want, got)
	})
}

// Whatever raw sequence a transport emits, observers see at most one
// response first, exactly one end last, and backpressure only directly
// before error.
func TestProperty_NotificationOrdering(t *testing.T) {
	ops := []string{"response", "data", "pipe", "abort", "error", "calm", "close"}

	rapid.Check(t, func(rt *rapid.T) {
		seq := rapid.SliceOfN(rapid.SampledFrom(ops), 1, 12).Draw(rt, "ops")

		s := New(Options{})
		rec := &recorder{}
		s.Subscribe(rec.observe)
		ft := newFakeTransport(9)
		require.NoError(rt, s.Attach(ft))
		l := streamListener{s: s}

		for _, op := range seq {
			switch op {
			case "response":
				l.OnResponse(jsonHeaders())
			case "data":
				l.OnData([]byte("x"))
			case "pipe":
				l.OnPipe()
			case "abort":
				l.OnAborted()
			case "error":
				l.OnError(errors.New("reset"))
			case "calm":
				l.OnError(NewStreamError(9, ErrCodeEnhanceYourCalm, "slow down"))
			case "close":
				l.OnClose()
			}
		}
		// Every transport eventually closes.
		l.OnClose()

		kinds := rec.kinds()
		require.NotEmpty(rt, kinds)
		assert.Equal(rt, EventEnd, kinds[len(kinds)-1])

		ends, responses := 0, 0
		for i, k := range kinds {
			switch k {
			case EventEnd:
				ends++
			case EventResponse:
				responses++
				assert.Equal(rt, 0, i, "response must come first")
			case EventData:
				assert.Equal(rt, EventResponse, kinds[0], "data requires a prior response")
			case EventBackpressure:
				require.Less(rt, i+1, len(kinds))
				assert.Equal(rt, EventError, kinds[i+1])
			}
		}
		assert.Equal(rt, 1, ends)
		assert.LessOrEqual(rt, responses, 1)
		assert.Equal(rt, StateTerminated, s.State())
	})
}
