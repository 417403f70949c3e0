// Package memory connects replicas inside one process. It supports failure injection for
// tests: addresses can be taken down and live connections severed.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/zetareticula/meshstore/internal/transport"
)

const queueSize = 1024

// Network is an in-process address space.
type Network struct {
	mu        sync.Mutex
	listeners map[string]func(transport.Conn)
	down      map[string]bool
	conns     map[string][]*Conn
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		listeners: map[string]func(transport.Conn){},
		down:      map[string]bool{},
		conns:     map[string][]*Conn{},
	}
}

// Listen routes connections dialed to address to accept. accept must not block.
func (n *Network) Listen(address string, accept func(transport.Conn)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[address] = accept
}

// Unlisten stops routing address.
func (n *Network) Unlisten(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, address)
}

// SetDown makes dials to address fail while down is true.
func (n *Network) SetDown(address string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[address] = down
}

// Sever closes every live connection dialed to address.
func (n *Network) Sever(address string) {
	n.mu.Lock()
	conns := n.conns[address]
	delete(n.conns, address)
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Dial connects to the listener at address.
func (n *Network) Dial(ctx context.Context, address string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	accept, ok := n.listeners[address]
	if !ok || n.down[address] {
		n.mu.Unlock()
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}
	client, server := Pipe("client:"+address, address)
	n.conns[address] = append(n.conns[address], client, server)
	n.mu.Unlock()

	accept(server)
	return client, nil
}

type link struct {
	once   sync.Once
	closed chan struct{}
}

// Conn is one end of an in-process connection.
type Conn struct {
	in     chan []byte
	out    chan []byte
	link   *link
	remote string
}

var _ transport.Conn = (*Conn)(nil)

// Pipe returns two connected ends. Closing either closes both.
func Pipe(addrA, addrB string) (*Conn, *Conn) {
	ab := make(chan []byte, queueSize)
	ba := make(chan []byte, queueSize)
	l := &link{closed: make(chan struct{})}
	return &Conn{in: ba, out: ab, link: l, remote: addrB}, &Conn{in: ab, out: ba, link: l, remote: addrA}
}

func (c *Conn) Send(ctx context.Context, msg []byte) error {
	buf := append([]byte(nil), msg...)
	select {
	case <-c.link.closed:
		return transport.ErrClosed
	default:
	}
	select {
	case c.out <- buf:
		return nil
	case <-c.link.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns queued messages before reporting a closed connection.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.link.closed:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, transport.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.link.once.Do(func() { close(c.link.closed) })
	return nil
}

func (c *Conn) RemoteAddr() string { return c.remote }
