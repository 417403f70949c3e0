package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zetareticula/meshstore/internal/transport"
)

func echoServer(t *testing.T, settings Settings) string {
	t.Helper()
	var wg sync.WaitGroup
	srv := httptest.NewServer(Handler(settings, testr.New(t), func(c transport.Conn) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.Close()
			for {
				msg, err := c.Receive(context.Background())
				if err != nil {
					return
				}
				if err := c.Send(context.Background(), msg); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(func() {
		srv.Close()
		wg.Wait()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRoundTrip(t *testing.T) {
	settings := Settings{PingTimeout: 10 * time.Millisecond, WriteTimeout: time.Second, ReadTimeout: 100 * time.Millisecond}
	url := echoServer(t, settings)

	d := &Dialer{Settings: settings}
	c, err := d.Dial(context.Background(), url)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Send(ctx, []byte(`{"type":"ack"}`)))
	got, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ack"}`, string(got))

	// pings keep an idle connection inside its read deadline
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, c.Send(ctx, []byte("again")))
	got, err = c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "again", string(got))

	assert.Error(t, c.Send(ctx, nil), "empty messages are pings")
}

func TestReceiveHonoursContext(t *testing.T) {
	url := echoServer(t, DefaultSettings())
	d := &Dialer{Settings: DefaultSettings()}
	c, err := d.Dial(context.Background(), url)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedConnection(t *testing.T) {
	url := echoServer(t, DefaultSettings())
	d := &Dialer{Settings: DefaultSettings()}
	c, err := d.Dial(context.Background(), url)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(context.Background(), []byte("x")), transport.ErrClosed)
	_, err = c.Receive(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestDialFailure(t *testing.T) {
	d := &Dialer{Settings: DefaultSettings()}
	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1/none")
	assert.Error(t, err)
}
