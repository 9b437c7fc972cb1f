package acquire

import (
	"context"
	"testing"
	"time"

	"github.com/itohio/bsstream/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSession_GracefulShutdown tests that cancelling the context drains every
// queued chunk before Run returns.
func TestSession_GracefulShutdown(t *testing.T) {
	for _, idle := range []IdlePolicy{IdleSpin, IdlePark} {
		t.Run(string(idle), func(t *testing.T) {
			opts := testOptions(1, protocol.HighRes12Macro, 400)
			opts.Idle = idle
			s, m, rec := newSession(t, opts)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()

			require.Eventually(t, func() bool { return s.State() == Streaming }, time.Second, time.Millisecond)
			require.Eventually(t, func() bool { return s.Stats().ChunksRead >= 3 }, 2*time.Second, time.Millisecond)

			cancel()

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return within timeout")
			}

			st := s.Stats()
			assert.Equal(t, Stopped, s.State())
			assert.Equal(t, 0, st.Pending)
			assert.Equal(t, s.queue.Pushed(), s.queue.Popped())
			assert.Equal(t, st.ChunksRead, st.ChunksDecoded+st.ChunksDropped)
			assert.True(t, rec.closed, "sink should be closed")
			assert.False(t, m.Streaming(), "device should be stopped")
		})
	}
}

// TestSession_ShutdownDuringConfigure tests that a run cancelled before it
// streams still releases the link and the sink.
func TestSession_ShutdownDuringConfigure(t *testing.T) {
	s, m, rec := newSession(t, testOptions(1, protocol.LowRes8, 400))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Stopped, s.State())
	assert.True(t, rec.closed)
	assert.False(t, m.Streaming())
	assert.Zero(t, s.Stats().ChunksRead)
}
