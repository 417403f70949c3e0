package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zetareticula/meshstore/internal/transport"
)

func TestNetwork(t *testing.T) {
	n := NewNetwork()
	accepted := make(chan transport.Conn, 1)
	n.Listen("a", func(c transport.Conn) { accepted <- c })

	ctx := context.Background()
	client, err := n.Dial(ctx, "a")
	require.NoError(t, err)
	server := <-accepted
	assert.Equal(t, "a", client.RemoteAddr())

	require.NoError(t, client.Send(ctx, []byte("one")))
	require.NoError(t, client.Send(ctx, []byte("two")))
	msg, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(msg))

	n.Sever("a")
	msg, err = server.Receive(ctx)
	require.NoError(t, err, "queued messages are delivered before the close")
	assert.Equal(t, "two", string(msg))
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, client.Send(ctx, []byte("x")), transport.ErrClosed)

	n.SetDown("a", true)
	_, err = n.Dial(ctx, "a")
	assert.Error(t, err)
	n.SetDown("a", false)
	_, err = n.Dial(ctx, "a")
	assert.NoError(t, err)
	<-accepted

	n.Unlisten("a")
	_, err = n.Dial(ctx, "a")
	assert.Error(t, err)
}

func TestReceiveHonoursContext(t *testing.T) {
	a, _ := Pipe("a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
