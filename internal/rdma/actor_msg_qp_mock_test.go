package rdma

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/actorvm/internal/actor"
	"github.com/yuuki/actorvm/internal/msgpool"
)

// MockQueuePair is a mock implementation of QueuePair. Completions come from
// a channel the test feeds.
type MockQueuePair struct {
	mock.Mock
	completions chan WorkCompletion
}

func newMockQueuePair() *MockQueuePair {
	return &MockQueuePair{completions: make(chan WorkCompletion, 64)}
}

func (m *MockQueuePair) Endpoint() Endpoint {
	return Endpoint{QPN: 0x42, GID: loopbackGID}
}

func (m *MockQueuePair) Connect(remote Endpoint) error {
	args := m.Called(remote)
	return args.Error(0)
}

func (m *MockQueuePair) PostSend(wrID uint64, buf []byte, mr msgpool.MemoryRegion) error {
	args := m.Called(wrID, buf, mr)
	return args.Error(0)
}

func (m *MockQueuePair) PostRecv(wrID uint64, buf []byte, mr msgpool.MemoryRegion) error {
	args := m.Called(wrID, buf, mr)
	return args.Error(0)
}

func (m *MockQueuePair) Completions() <-chan WorkCompletion {
	return m.completions
}

func (m *MockQueuePair) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockDevice hands out a preset queue pair. Memory registration goes to the
// embedded loopback device.
type MockDevice struct {
	mock.Mock
	*LoopbackDevice
}

func (m *MockDevice) CreateQueuePair(cfg QueuePairConfig) (QueuePair, error) {
	args := m.Called(cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(QueuePair), args.Error(1)
}

func newMockSetup(t *testing.T, qp *MockQueuePair) (*MockDevice, *msgpool.Pool) {
	t.Helper()
	dev := &MockDevice{LoopbackDevice: NewLoopbackDevice(NewLoopbackFabric(), "mock")}
	dev.On("CreateQueuePair", mock.Anything).Return(qp, nil)
	pool := msgpool.New(dev, 4)
	t.Cleanup(func() {
		pool.Close()
		dev.LoopbackDevice.Close()
	})
	return dev, pool
}

func TestActorMsgQPInitialPostRecvFailure(t *testing.T) {
	qp := newMockQueuePair()
	qp.On("PostRecv", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()
	qp.On("PostRecv", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("queue full")).Once()
	qp.On("Close").Return(nil).Once()
	dev, pool := newMockSetup(t, qp)

	_, err := NewActorMsgQP(dev, pool, nil, WithRecvDepth(4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3/4")

	qp.AssertExpectations(t)
	assert.Equal(t, 0, pool.Stats().Leased)
}

func TestActorMsgQPPostSendFailureBreaksConnection(t *testing.T) {
	qp := newMockQueuePair()
	qp.On("PostRecv", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	qp.On("PostSend", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("qp in error state")).Once()
	qp.On("Close").Return(nil)
	dev, pool := newMockSetup(t, qp)

	q, err := NewActorMsgQP(dev, pool, nil, WithRecvDepth(2))
	require.NoError(t, err)
	defer q.Close()

	err = q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd})
	assert.ErrorIs(t, err, ErrConnectionBroken)
	assert.Error(t, q.Err())
	select {
	case err := <-q.Errors():
		assert.Contains(t, err.Error(), "qp in error state")
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
	assert.Equal(t, 2, pool.Stats().Leased)

	// later sends fail without touching the queue pair
	assert.ErrorIs(t, q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd}), ErrConnectionBroken)
	qp.AssertNumberOfCalls(t, "PostSend", 1)
}

func TestActorMsgQPPollerFailureBreaksConnection(t *testing.T) {
	qp := newMockQueuePair()
	qp.On("PostRecv", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	qp.On("Close").Return(nil)
	dev, pool := newMockSetup(t, qp)

	q, err := NewActorMsgQP(dev, pool, nil, WithRecvDepth(1))
	require.NoError(t, err)
	defer q.Close()

	qp.completions <- WorkCompletion{WRID: WRIDNone, Err: errors.New("completion channel event failed")}
	select {
	case err := <-q.Errors():
		assert.Contains(t, err.Error(), "completion queue")
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
	assert.Error(t, q.Err())
}

func TestActorMsgQPUnknownCompletionIgnored(t *testing.T) {
	qp := newMockQueuePair()
	qp.On("PostRecv", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	qp.On("Close").Return(nil)
	dev, pool := newMockSetup(t, qp)

	q, err := NewActorMsgQP(dev, pool, nil, WithRecvDepth(1))
	require.NoError(t, err)
	defer q.Close()

	// never posted, so it must not be returned to the pool
	qp.completions <- WorkCompletion{WRID: msgpool.Handle{Region: 7, Slot: 3}.WRID(), Opcode: OpSend}
	qp.completions <- WorkCompletion{WRID: msgpool.Handle{Region: 9, Slot: 0}.WRID(), Opcode: OpRecv}

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, q.Err())
	assert.Equal(t, 1, pool.Stats().Leased)
}

func TestActorMsgQPErrorCompletionReturnsBuffer(t *testing.T) {
	qp := newMockQueuePair()
	var recvWRID uint64
	qp.On("PostRecv", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { recvWRID = args.Get(0).(uint64) }).
		Return(nil).Once()
	qp.On("Close").Return(nil)
	dev, pool := newMockSetup(t, qp)

	q, err := NewActorMsgQP(dev, pool, nil, WithRecvDepth(1))
	require.NoError(t, err)
	defer q.Close()
	require.Equal(t, 1, pool.Stats().Leased)

	qp.completions <- WorkCompletion{WRID: recvWRID, Opcode: OpRecv, Err: errors.New("remote access error")}
	select {
	case <-q.Errors():
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
	assert.Eventually(t, func() bool { return pool.Stats().Leased == 0 }, time.Second, 5*time.Millisecond)
	qp.AssertNumberOfCalls(t, "PostRecv", 1)
}

func TestActorMsgQPSendRacingClose(t *testing.T) {
	qp := newMockQueuePair()
	entered := make(chan struct{})
	release := make(chan struct{})
	qp.On("PostRecv", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	qp.On("PostSend", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(ErrClosed).Once()
	qp.On("Close").Return(nil)
	dev, pool := newMockSetup(t, qp)

	q, err := NewActorMsgQP(dev, pool, nil, WithRecvDepth(1))
	require.NoError(t, err)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd})
	}()
	<-entered

	// Close reclaims the in-flight send buffer along with the receive buffer
	require.NoError(t, q.Close())
	assert.Equal(t, 0, pool.Stats().Leased)
	close(release)

	select {
	case err := <-sendErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("send did not return")
	}
	assert.Equal(t, 0, pool.Stats().Leased)
	assert.NoError(t, q.Err(), "a local close is not a connection failure")
	assert.ErrorIs(t, q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd}), ErrClosed)
}

func TestActorMsgQPPostSendClosedIsNotFatal(t *testing.T) {
	qp := newMockQueuePair()
	qp.On("PostRecv", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	qp.On("PostSend", mock.Anything, mock.Anything, mock.Anything).Return(ErrClosed).Once()
	qp.On("Close").Return(nil)
	dev, pool := newMockSetup(t, qp)

	q, err := NewActorMsgQP(dev, pool, nil, WithRecvDepth(1))
	require.NoError(t, err)
	defer q.Close()

	assert.ErrorIs(t, q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd}), ErrClosed)
	assert.NoError(t, q.Err())
	assert.Equal(t, 1, pool.Stats().Leased)
}

func TestActorMsgQPSendDepthBlocksSender(t *testing.T) {
	qp := newMockQueuePair()
	sent := make(chan uint64, 8)
	qp.On("PostRecv", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	qp.On("PostSend", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent <- args.Get(0).(uint64) }).
		Return(nil)
	qp.On("Close").Return(nil)
	dev, pool := newMockSetup(t, qp)

	q, err := NewActorMsgQP(dev, pool, nil, WithRecvDepth(1), WithSendDepth(2))
	require.NoError(t, err)
	defer q.Close()
	dev.AssertCalled(t, "CreateQueuePair", QueuePairConfig{SendDepth: 2, RecvDepth: 1})

	require.NoError(t, q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd, PieceID: 1}))
	require.NoError(t, q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd, PieceID: 2}))
	first := <-sent

	done := make(chan error, 1)
	go func() {
		done <- q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd, PieceID: 3})
	}()
	select {
	case <-done:
		t.Fatal("send exceeded the send depth")
	case <-time.After(50 * time.Millisecond):
	}
	qp.AssertNumberOfCalls(t, "PostSend", 2)

	qp.completions <- WorkCompletion{WRID: first, Opcode: OpSend}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send completion did not free a slot")
	}
	qp.AssertNumberOfCalls(t, "PostSend", 3)
	assert.NoError(t, q.Err())
	// one receive plus two sends still in flight
	assert.Eventually(t, func() bool { return pool.Stats().Leased == 3 }, time.Second, 5*time.Millisecond)
}

func TestActorMsgQPBlockedSenderWakesOnFailure(t *testing.T) {
	qp := newMockQueuePair()
	qp.On("PostRecv", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	qp.On("PostSend", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	qp.On("Close").Return(nil)
	dev, pool := newMockSetup(t, qp)

	q, err := NewActorMsgQP(dev, pool, nil, WithRecvDepth(1), WithSendDepth(1))
	require.NoError(t, err)
	defer q.Close()
	require.NoError(t, q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd}))

	done := make(chan error, 1)
	go func() {
		done <- q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd})
	}()

	qp.completions <- WorkCompletion{WRID: WRIDNone, Err: errors.New("port down")}
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionBroken)
	case <-time.After(time.Second):
		t.Fatal("blocked sender was not released")
	}
}

func TestActorMsgQPBlockedSenderWakesOnClose(t *testing.T) {
	qp := newMockQueuePair()
	qp.On("PostRecv", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	qp.On("PostSend", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	qp.On("Close").Return(nil)
	dev, pool := newMockSetup(t, qp)

	q, err := NewActorMsgQP(dev, pool, nil, WithRecvDepth(1), WithSendDepth(1))
	require.NoError(t, err)
	require.NoError(t, q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd}))

	done := make(chan error, 1)
	go func() {
		done <- q.SendActorMsg(&actor.Msg{Type: actor.MsgTypeCmd})
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, q.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked sender was not released")
	}
	assert.Equal(t, 0, pool.Stats().Leased)
}
