// Package websocket carries replication frames over websocket connections. Frames travel as
// binary messages; empty binary messages are pings that keep idle connections inside their
// read deadline.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/zetareticula/meshstore/internal/transport"
)

// Settings bound the time spent on websocket operations.
type Settings struct {
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

// DefaultSettings returns the timeouts used when none are given.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 5 * time.Second,
		PingTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

// Conn is a replication connection over a websocket.
type Conn struct {
	ws       *websocket.Conn
	settings Settings

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
	pinger  sync.WaitGroup
}

var _ transport.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, settings Settings) *Conn {
	c := &Conn{ws: ws, settings: settings, closed: make(chan struct{})}
	if settings.PingTimeout > 0 {
		c.pinger.Add(1)
		go c.ping()
	}
	return c
}

func (c *Conn) ping() {
	defer c.pinger.Done()
	t := time.NewTicker(c.settings.PingTimeout)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			if err := c.write(context.Background(), nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) write(ctx context.Context, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var deadline time.Time
	if c.settings.WriteTimeout > 0 {
		deadline = time.Now().Add(c.settings.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	// a write deadline timeout cannot be recovered; the connection is unusable afterwards
	_ = c.ws.SetWriteDeadline(deadline)
	if msg == nil {
		msg = []byte{}
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, msg)
}

// Send writes msg as one binary message.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	if len(msg) == 0 {
		return fmt.Errorf("websocket: empty messages are reserved for pings")
	}
	return c.write(ctx, msg)
}

// Receive reads the next binary message, skipping pings. Cancelling ctx interrupts the read
// and leaves the connection unusable, as with a timeout.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		if c.settings.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, transport.ErrClosed
			default:
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			continue
		}
		return message, nil
	}
}

// Close closes the websocket and stops the pinger.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.ws.Close()
		c.pinger.Wait()
	})
	return err
}

func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Dialer opens websocket connections to ws:// or wss:// urls.
type Dialer struct {
	Settings Settings
	Header   http.Header
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial connects to url.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.Settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return newConn(ws, d.Settings), nil
}

// Handler upgrades requests to websockets and passes each connection to accept, which must
// not block.
func Handler(settings Settings, log logr.Logger, accept func(transport.Conn)) http.Handler {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: settings.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error(err, "websocket upgrade failed", "remote", r.RemoteAddr)
			return
		}
		log.V(1).Info("accepted websocket", "remote", r.RemoteAddr)
		accept(newConn(ws, settings))
	})
}
