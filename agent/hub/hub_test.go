package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	id     string
	fail   atomic.Bool
	closes atomic.Int32

	mut      sync.Mutex
	received []*Message
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.fail.Load() {
		return errors.New("broken pipe")
	}
	f.mut.Lock()
	defer f.mut.Unlock()
	f.received = append(f.received, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeConn) messages() []*Message {
	f.mut.Lock()
	defer f.mut.Unlock()
	return append([]*Message(nil), f.received...)
}

func TestBroadcastDropsFailedConnections(t *testing.T) {
	cases := []struct {
		n int
		m int
	}{
		{n: 1, m: 0},
		{n: 1, m: 1},
		{n: 5, m: 2},
		{n: 10, m: 10},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("n=%d m=%d", c.n, c.m), func(t *testing.T) {
			r := NewRegistry(zap.NewNop().Sugar())
			var conns []*fakeConn
			for i := 0; i < c.n; i++ {
				conn := newFakeConn(fmt.Sprintf("conn-%d", i))
				conns = append(conns, conn)
				_, err := r.Subscribe(conn)
				require.NoError(t, err)
			}

			assert.Equal(t, c.n, r.Broadcast(context.Background(), "broadcast", "first"))
			for _, conn := range conns {
				require.Len(t, conn.messages(), 1)
				assert.Equal(t, c.n, conn.messages()[0].Connections)
			}

			for _, conn := range conns[:c.m] {
				conn.fail.Store(true)
			}
			assert.Equal(t, c.n-c.m, r.Broadcast(context.Background(), "broadcast", "second"))
			assert.Equal(t, c.n-c.m, r.Count())

			assert.Equal(t, c.n-c.m, r.Broadcast(context.Background(), "broadcast", "third"))
			for i, conn := range conns {
				if i < c.m {
					assert.Len(t, conn.messages(), 1)
					assert.Equal(t, int32(1), conn.closes.Load())
					continue
				}
				msgs := conn.messages()
				require.Len(t, msgs, 3)
				assert.Equal(t, c.n-c.m, msgs[2].Connections)
				assert.Equal(t, "third", msgs[2].Data)
				assert.Equal(t, int32(0), conn.closes.Load())
			}
		})
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	conn := newFakeConn("a")
	other := newFakeConn("b")
	_, err := r.Subscribe(conn)
	require.NoError(t, err)
	_, err = r.Subscribe(other)
	require.NoError(t, err)

	assert.True(t, r.Unsubscribe(conn))
	assert.False(t, r.Unsubscribe(conn))
	assert.Equal(t, int32(1), conn.closes.Load())
	assert.Equal(t, 1, r.Count())
	assert.False(t, r.Unsubscribe(newFakeConn("never-subscribed")))
}

func TestBroadcastIgnoresCallerCancellation(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	var conns []*fakeConn
	for i := 0; i < 3; i++ {
		conn := newFakeConn(fmt.Sprint(i))
		_, err := r.Subscribe(conn)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 3, r.Broadcast(ctx, "broadcast", "x"))
	assert.Equal(t, 3, r.Count())
	for _, conn := range conns {
		assert.Len(t, conn.messages(), 1)
		assert.Equal(t, int32(0), conn.closes.Load())
	}
}

func TestMaxConnections(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	r.MaxConnections = 2
	for i := 0; i < 2; i++ {
		n, err := r.Subscribe(newFakeConn(fmt.Sprint(i)))
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
	}
	_, err := r.Subscribe(newFakeConn("extra"))
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, r.Count())
}

func TestBroadcastMessage(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	r.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600)) }
	conn := newFakeConn("a")
	_, err := r.Subscribe(conn)
	require.NoError(t, err)

	r.Broadcast(context.Background(), "echo", map[string]any{"hello": "world"})
	msgs := conn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, &Message{
		Type:        "echo",
		Data:        map[string]any{"hello": "world"},
		Timestamp:   "2024-03-01T11:00:00Z",
		Connections: 1,
	}, msgs[0])
}

func TestConcurrentBroadcastAndUnsubscribe(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	var conns []*fakeConn
	for i := 0; i < 50; i++ {
		conn := newFakeConn(fmt.Sprint(i))
		if i%2 == 0 {
			conn.fail.Store(true)
		}
		conns = append(conns, conn)
		_, err := r.Subscribe(conn)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Broadcast(context.Background(), "broadcast", "x")
		}()
	}
	for _, conn := range conns {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Unsubscribe(conn)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
	for _, conn := range conns {
		assert.Equal(t, int32(1), conn.closes.Load(), "conn %s", conn.id)
	}
}
