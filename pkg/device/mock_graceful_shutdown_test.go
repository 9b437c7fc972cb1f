package device

import (
	"io"
	"testing"
	"time"

	"github.com/itohio/bsstream/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMock_GracefulShutdown tests that closing a streaming Mock ends the
// stream and unblocks pending reads.
func TestMock_GracefulShutdown(t *testing.T) {
	m, c := newTestConn(t)
	setup(t, c, protocol.DeviceConfig{
		SampleRateHz: 1000,
		Channels:     1,
		Resolution:   protocol.LowRes8,
		FrameToken:   protocol.DefaultFrameToken,
	})
	require.NoError(t, c.IssueWait(protocol.CmdStream))
	require.True(t, m.Streaming())

	require.NoError(t, c.Close())
	assert.False(t, m.Streaming(), "Mock should stop streaming on Close")

	_, err := c.Fill(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, c.Issue(protocol.CmdStop), ErrClosed)
}

func TestMock_CloseEndsRead(t *testing.T) {
	m, c := newTestConn(t)
	require.NoError(t, m.SetReadTimeout(5*time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := m.Read(make([]byte, 4))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
}
