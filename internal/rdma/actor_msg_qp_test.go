package rdma

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/actorvm/internal/actor"
	"github.com/yuuki/actorvm/internal/msgpool"
)

// msgSink collects messages delivered to a handler
type msgSink struct {
	mu   sync.Mutex
	msgs []actor.Msg
}

func (s *msgSink) handle(msg actor.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *msgSink) snapshot() []actor.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]actor.Msg(nil), s.msgs...)
}

type actorPeer struct {
	dev  *LoopbackDevice
	pool *msgpool.Pool
	qp   *ActorMsgQP
	sink *msgSink
}

func newActorPeer(t *testing.T, fabric *LoopbackFabric, name string, opts ...QPOption) *actorPeer {
	t.Helper()
	p := &actorPeer{
		dev:  NewLoopbackDevice(fabric, name),
		sink: &msgSink{},
	}
	p.pool = msgpool.New(p.dev, 8)
	qp, err := NewActorMsgQP(p.dev, p.pool, p.sink.handle, opts...)
	require.NoError(t, err)
	p.qp = qp
	t.Cleanup(func() {
		p.qp.Close()
		p.pool.Close()
		p.dev.Close()
	})
	return p
}

func connectPeers(t *testing.T, a, b *actorPeer) {
	t.Helper()
	require.NoError(t, a.qp.Connect(b.qp.Endpoint()))
	require.NoError(t, b.qp.Connect(a.qp.Endpoint()))
}

func TestActorMsgQPExchange(t *testing.T) {
	fabric := NewLoopbackFabric()
	a := newActorPeer(t, fabric, "a", WithRecvDepth(4))
	b := newActorPeer(t, fabric, "b", WithRecvDepth(4))
	connectPeers(t, a, b)

	const n = 20
	for i := 0; i < n; i++ {
		msg := &actor.Msg{
			Type:       actor.MsgTypeRegst,
			SrcActorID: 1,
			DstActorID: int64(100 + i),
			PieceID:    int64(i),
			Payload:    []byte{byte(i)},
		}
		require.NoError(t, a.qp.SendActorMsg(msg))
	}

	require.Eventually(t, func() bool { return len(b.sink.snapshot()) == n }, 2*time.Second, 5*time.Millisecond)
	got := b.sink.snapshot()
	for i, msg := range got {
		assert.Equal(t, actor.MsgTypeRegst, msg.Type)
		assert.Equal(t, int64(100+i), msg.DstActorID)
		assert.Equal(t, []byte{byte(i)}, msg.Payload)
	}

	// sent buffers come back and the receive ring stays posted
	assert.Eventually(t, func() bool { return a.pool.Stats().Leased == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return b.pool.Stats().Leased == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, a.qp.Err())
	assert.NoError(t, b.qp.Err())
}

func TestActorMsgQPBidirectional(t *testing.T) {
	fabric := NewLoopbackFabric()
	a := newActorPeer(t, fabric, "a")
	b := newActorPeer(t, fabric, "b")
	connectPeers(t, a, b)

	require.NoError(t, a.qp.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd, DstActorID: 2}))
	require.NoError(t, b.qp.SendActorMsg(&actor.Msg{Type: actor.MsgTypeEord, DstActorID: 1}))

	require.Eventually(t, func() bool {
		return len(a.sink.snapshot()) == 1 && len(b.sink.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, actor.MsgTypeEord, a.sink.snapshot()[0].Type)
	assert.Equal(t, actor.MsgTypeCmd, b.sink.snapshot()[0].Type)
}

func TestActorMsgQPInitialReceives(t *testing.T) {
	p := newActorPeer(t, NewLoopbackFabric(), "a", WithRecvDepth(10))
	stats := p.pool.Stats()
	assert.Equal(t, 10, stats.Leased)
	assert.Equal(t, 2, stats.Regions)
}

func TestActorMsgQPSendBeforeConnect(t *testing.T) {
	p := newActorPeer(t, NewLoopbackFabric(), "a", WithRecvDepth(2))

	err := p.qp.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, p.qp.Err())
	assert.Equal(t, 2, p.pool.Stats().Leased)
}

func TestActorMsgQPEncodeFailureReturnsBuffer(t *testing.T) {
	fabric := NewLoopbackFabric()
	a := newActorPeer(t, fabric, "a", WithRecvDepth(2))
	b := newActorPeer(t, fabric, "b", WithRecvDepth(2))
	connectPeers(t, a, b)

	err := a.qp.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd, Payload: make([]byte, actor.MaxPayloadSize+1)})
	assert.ErrorIs(t, err, actor.ErrPayloadTooLarge)
	assert.Equal(t, 2, a.pool.Stats().Leased)
	assert.NoError(t, a.qp.Err())
}

func TestActorMsgQPPeerClosedBreaksConnection(t *testing.T) {
	fabric := NewLoopbackFabric()
	a := newActorPeer(t, fabric, "a", WithRecvDepth(2))
	b := newActorPeer(t, fabric, "b", WithRecvDepth(2))
	connectPeers(t, a, b)

	require.NoError(t, b.qp.Close())
	require.NoError(t, a.qp.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd}))

	select {
	case err := <-a.qp.Errors():
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection error reported")
	}
	assert.Error(t, a.qp.Err())

	err := a.qp.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd})
	assert.ErrorIs(t, err, ErrConnectionBroken)
	assert.Eventually(t, func() bool { return a.pool.Stats().Leased == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestActorMsgQPCloseReclaimsBuffers(t *testing.T) {
	fabric := NewLoopbackFabric()
	dev := NewLoopbackDevice(fabric, "a")
	defer dev.Close()
	pool := msgpool.New(dev, 4)
	defer pool.Close()

	qp, err := NewActorMsgQP(dev, pool, nil, WithRecvDepth(6))
	require.NoError(t, err)
	assert.Equal(t, 6, pool.Stats().Leased)

	require.NoError(t, qp.Close())
	require.NoError(t, qp.Close())
	stats := pool.Stats()
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, stats.Total, stats.Free)

	assert.ErrorIs(t, qp.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd}), ErrClosed)
}

func TestActorMsgQPUnsupportedDevice(t *testing.T) {
	dev := unsupportedDevice{}
	pool := msgpool.New(NewLoopbackDevice(NewLoopbackFabric(), "pool"), 4)
	defer pool.Close()

	_, err := NewActorMsgQP(dev, pool, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestActorMsgQPSendRate(t *testing.T) {
	fabric := NewLoopbackFabric()
	a := newActorPeer(t, fabric, "a", WithRecvDepth(2), WithSendRate(100))
	b := newActorPeer(t, fabric, "b", WithRecvDepth(2))
	connectPeers(t, a, b)

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, a.qp.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd}))
	}
	// 100/s spaces sends 10ms apart
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.sink.snapshot()) == 6 }, 2*time.Second, 5*time.Millisecond)
}
