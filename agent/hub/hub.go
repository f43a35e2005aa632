/*
Package hub tracks open real-time subscriber connections and fans messages out to them.

The Registry is the only owner of its connections. Broadcast copies the open set under the lock and sends outside it,
so a slow subscriber never blocks Subscribe or Unsubscribe. A connection whose send fails is removed and closed,
and a connection is only ever closed by whoever removed it from the registry, so it is closed exactly once.
*/
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultWriteTimeout = 10 * time.Second

// ErrFull is returned by Subscribe when the registry already holds its maximum number of connections.
var ErrFull = errors.New("too many connections")

// Conn is one open subscriber channel.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg *Message) error
	Close() error
}

type Message struct {
	Type        string `json:"type"`
	Data        any    `json:"data"`
	Timestamp   string `json:"timestamp"`
	Connections int    `json:"connections"`
}

type Registry struct {
	Log          *zap.SugaredLogger
	WriteTimeout time.Duration
	// MaxConnections of zero means unlimited.
	MaxConnections int

	mut   sync.Mutex
	conns map[string]Conn
	order []string
	now   func() time.Time
}

func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{
		Log:          log,
		WriteTimeout: DefaultWriteTimeout,
		conns:        map[string]Conn{},
		now:          time.Now,
	}
}

// Subscribe adds conn to the open set and returns the new count.
func (r *Registry) Subscribe(conn Conn) (int, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.MaxConnections > 0 && len(r.conns) >= r.MaxConnections {
		r.Log.Warnw("rejecting subscriber", "ID", conn.ID(), "Max", r.MaxConnections)
		return len(r.conns), ErrFull
	}
	if _, ok := r.conns[conn.ID()]; !ok {
		r.order = append(r.order, conn.ID())
	}
	r.conns[conn.ID()] = conn
	r.Log.Debugw("subscribed", "ID", conn.ID(), "Connections", len(r.conns))
	return len(r.conns), nil
}

// Unsubscribe removes conn and closes it. It reports whether conn was still registered;
// calling it again for the same connection does nothing.
func (r *Registry) Unsubscribe(conn Conn) bool {
	if !r.remove(conn.ID()) {
		return false
	}
	err := conn.Close()
	if err != nil {
		r.Log.Debugf("closing connection %s: %s", conn.ID(), err)
	}
	return true
}

func (r *Registry) remove(id string) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.Log.Debugw("unsubscribed", "ID", id, "Connections", len(r.conns))
	return true
}

func (r *Registry) Count() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.conns)
}

func (r *Registry) snapshot() []Conn {
	r.mut.Lock()
	defer r.mut.Unlock()
	conns := make([]Conn, 0, len(r.order))
	for _, id := range r.order {
		conns = append(conns, r.conns[id])
	}
	return conns
}

// Broadcast sends a message of the given type to every open connection and returns how many received it.
// Connections that fail to receive it are unsubscribed; the failure does not affect delivery to the others.
// Canceling ctx does not abort the sends, which are bounded by WriteTimeout instead, so a caller going away
// is never mistaken for a failing subscriber.
func (r *Registry) Broadcast(ctx context.Context, typ string, data any) int {
	ctx = context.WithoutCancel(ctx)
	conns := r.snapshot()
	msg := &Message{
		Type:        typ,
		Data:        data,
		Timestamp:   r.now().UTC().Format(time.RFC3339),
		Connections: len(conns),
	}

	delivered := 0
	for _, conn := range conns {
		err := r.send(ctx, conn, msg)
		if err != nil {
			r.Log.Debugw("dropping connection after failed send", "ID", conn.ID(), "Error", err)
			r.Unsubscribe(conn)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) send(ctx context.Context, conn Conn, msg *Message) error {
	if r.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.WriteTimeout)
		defer cancel()
	}
	return conn.Send(ctx, msg)
}

// CloseAll unsubscribes every open connection.
func (r *Registry) CloseAll() {
	for _, conn := range r.snapshot() {
		r.Unsubscribe(conn)
	}
}

// Full reports whether Subscribe would currently reject a new connection.
func (r *Registry) Full() bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.MaxConnections > 0 && len(r.conns) >= r.MaxConnections
}
