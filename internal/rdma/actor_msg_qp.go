package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/actorvm/internal/actor"
	"github.com/yuuki/actorvm/internal/msgpool"
	"github.com/yuuki/actorvm/internal/telemetry"
	"go.uber.org/ratelimit"
)

const (
	// DefaultRecvDepth is the number of receive buffers kept posted
	DefaultRecvDepth = 32
	// DefaultSendDepth is the number of sends that may await completion
	DefaultSendDepth = 32
	// ErrChanBufferSize is the buffer size for the error channel
	ErrChanBufferSize = 16
)

// MsgHandler receives every decoded actor message. It runs on the completion
// poller goroutine and must not block for long.
type MsgHandler func(msg actor.Msg)

// QPOption configures an ActorMsgQP
type QPOption func(*ActorMsgQP)

// WithRecvDepth sets how many receive buffers stay posted
func WithRecvDepth(n int) QPOption {
	return func(q *ActorMsgQP) {
		if n > 0 {
			q.recvDepth = n
		}
	}
}

// WithSendDepth sets how many sends may be outstanding. Further sends block
// until a send completes.
func WithSendDepth(n int) QPOption {
	return func(q *ActorMsgQP) {
		if n > 0 {
			q.sendDepth = n
		}
	}
}

// WithSendRate limits sends to perSecond messages. Zero means unlimited.
func WithSendRate(perSecond int) QPOption {
	return func(q *ActorMsgQP) {
		if perSecond > 0 {
			q.limiter = ratelimit.New(perSecond)
		}
	}
}

// WithQPMetrics records transport activity on m
func WithQPMetrics(m *telemetry.Metrics) QPOption {
	return func(q *ActorMsgQP) { q.metrics = m }
}

// ActorMsgQP carries actor messages over one queue pair. Every posted buffer
// is leased from the pool and returned to it when its completion arrives.
type ActorMsgQP struct {
	qp        QueuePair
	pool      *msgpool.Pool
	handler   MsgHandler
	recvDepth int
	sendDepth int
	limiter   ratelimit.Limiter
	metrics   *telemetry.Metrics

	mu       sync.Mutex
	posted   map[uint64]Opcode
	broken   error
	isClosed bool

	// one token per outstanding send
	sendCredits chan struct{}
	brokenCh    chan struct{}

	errChan    chan error
	pollerDone chan struct{}
	pollerWG   sync.WaitGroup
}

// NewActorMsgQP creates a queue pair on dev, starts its completion poller and
// posts the initial receive buffers
func NewActorMsgQP(dev Device, pool *msgpool.Pool, handler MsgHandler, opts ...QPOption) (*ActorMsgQP, error) {
	q := &ActorMsgQP{
		pool:       pool,
		handler:    handler,
		recvDepth:  DefaultRecvDepth,
		sendDepth:  DefaultSendDepth,
		limiter:    ratelimit.NewUnlimited(),
		posted:     make(map[uint64]Opcode),
		brokenCh:   make(chan struct{}),
		errChan:    make(chan error, ErrChanBufferSize),
		pollerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.sendCredits = make(chan struct{}, q.sendDepth)

	qp, err := dev.CreateQueuePair(QueuePairConfig{SendDepth: q.sendDepth, RecvDepth: q.recvDepth})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue pair on %s: %w", dev.Name(), err)
	}
	q.qp = qp

	q.pollerWG.Add(1)
	go q.pollCompletions()

	for i := 0; i < q.recvDepth; i++ {
		if err := q.postRecv(); err != nil {
			q.Close()
			return nil, fmt.Errorf("failed to post initial receive buffer %d/%d: %w", i+1, q.recvDepth, err)
		}
	}

	log.Info().
		Str("device", dev.Name()).
		Str("endpoint", qp.Endpoint().String()).
		Int("recv_depth", q.recvDepth).
		Int("send_depth", q.sendDepth).
		Msg("Created actor message queue pair")
	return q, nil
}

// Endpoint returns the local endpoint to hand to the peer
func (q *ActorMsgQP) Endpoint() Endpoint { return q.qp.Endpoint() }

// Connect connects to the peer's endpoint
func (q *ActorMsgQP) Connect(remote Endpoint) error {
	if err := q.qp.Connect(remote); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", remote, err)
	}
	return nil
}

// Errors reports fatal errors of this connection. At most one is sent per
// connection break.
func (q *ActorMsgQP) Errors() <-chan error { return q.errChan }

// Done is closed once Close has been called
func (q *ActorMsgQP) Done() <-chan struct{} { return q.pollerDone }

// Err returns the error that broke the connection, or nil
func (q *ActorMsgQP) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.broken
}

// SendActorMsg leases a buffer, encodes msg into it and posts it. It blocks
// while the send depth is exhausted.
func (q *ActorMsgQP) SendActorMsg(msg *actor.Msg) error {
	if err := q.usable(); err != nil {
		return err
	}
	if err := q.acquireSendCredit(); err != nil {
		return err
	}
	q.limiter.Take()

	buf := q.pool.GetMessage()
	if err := buf.Encode(msg); err != nil {
		q.pool.PutMessage(buf)
		q.releaseSendCredit()
		return err
	}

	wrID := buf.Handle().WRID()
	if !q.track(wrID, OpSend) {
		q.pool.PutMessage(buf)
		q.releaseSendCredit()
		return ErrClosed
	}
	if err := q.qp.PostSend(wrID, buf.Bytes(), buf.MR()); err != nil {
		// a concurrent Close may already have reclaimed the buffer
		if _, ok := q.untrack(wrID); ok {
			q.pool.PutMessage(buf)
		}
		q.releaseSendCredit()
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed) {
			return err
		}
		q.fail(fmt.Errorf("post send: %w", err))
		return fmt.Errorf("%w: post send: %v", ErrConnectionBroken, err)
	}

	q.metrics.RecordSent(context.Background())
	log.Trace().
		Uint32("qpn", q.qp.Endpoint().QPN).
		Stringer("type", msg.Type).
		Int64("dst_actor", msg.DstActorID).
		Msg("Posted actor message")
	return nil
}

// Close stops the poller, destroys the queue pair and returns every posted
// buffer to the pool
func (q *ActorMsgQP) Close() error {
	q.mu.Lock()
	if q.isClosed {
		q.mu.Unlock()
		return nil
	}
	q.isClosed = true
	q.mu.Unlock()

	close(q.pollerDone)
	q.pollerWG.Wait()
	err := q.qp.Close()

	q.mu.Lock()
	posted := q.posted
	q.posted = make(map[uint64]Opcode)
	q.mu.Unlock()
	for wrID := range posted {
		if buf := q.pool.Lookup(msgpool.HandleFromWRID(wrID)); buf != nil {
			q.pool.PutMessage(buf)
		}
	}

	log.Debug().Uint32("qpn", q.qp.Endpoint().QPN).Int("reclaimed", len(posted)).Msg("Closed actor message queue pair")
	return err
}

func (q *ActorMsgQP) usable() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return ErrClosed
	}
	if q.broken != nil {
		return fmt.Errorf("%w: %v", ErrConnectionBroken, q.broken)
	}
	return nil
}

func (q *ActorMsgQP) postRecv() error {
	buf := q.pool.GetMessage()
	wrID := buf.Handle().WRID()
	if !q.track(wrID, OpRecv) {
		q.pool.PutMessage(buf)
		return ErrClosed
	}
	if err := q.qp.PostRecv(wrID, buf.Bytes(), buf.MR()); err != nil {
		if _, ok := q.untrack(wrID); ok {
			q.pool.PutMessage(buf)
		}
		return err
	}
	return nil
}

// acquireSendCredit waits for a free send slot
func (q *ActorMsgQP) acquireSendCredit() error {
	select {
	case q.sendCredits <- struct{}{}:
		return nil
	case <-q.pollerDone:
		return ErrClosed
	case <-q.brokenCh:
		return q.usable()
	}
}

func (q *ActorMsgQP) releaseSendCredit() {
	select {
	case <-q.sendCredits:
	default:
	}
}

// track records a posted work request. It fails once Close has started, since
// Close no longer reclaims buffers tracked after that point.
func (q *ActorMsgQP) track(wrID uint64, op Opcode) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return false
	}
	q.posted[wrID] = op
	return true
}

// untrack returns the opcode wrID was posted with and whether this queue pair
// still owned it
func (q *ActorMsgQP) untrack(wrID uint64) (Opcode, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.posted[wrID]
	if ok {
		delete(q.posted, wrID)
	}
	return op, ok
}

// fail marks the connection broken and reports the first error
func (q *ActorMsgQP) fail(err error) {
	q.mu.Lock()
	first := q.broken == nil
	if first {
		q.broken = err
		close(q.brokenCh)
	}
	q.mu.Unlock()
	if !first {
		return
	}

	q.metrics.RecordTransportError(context.Background())
	log.Error().Err(err).Uint32("qpn", q.qp.Endpoint().QPN).Msg("Actor message queue pair broken")
	select {
	case q.errChan <- err:
	default:
		log.Warn().Uint32("qpn", q.qp.Endpoint().QPN).Msg("Error channel full, dropping queue pair error")
	}
}

func (q *ActorMsgQP) pollCompletions() {
	defer q.pollerWG.Done()
	completions := q.qp.Completions()
	for {
		select {
		case <-q.pollerDone:
			return
		case wc, ok := <-completions:
			if !ok {
				return
			}
			q.handleCompletion(wc)
		}
	}
}

func (q *ActorMsgQP) handleCompletion(wc WorkCompletion) {
	if wc.WRID == WRIDNone {
		q.fail(fmt.Errorf("completion queue: %w", wc.Err))
		return
	}
	posted, ok := q.untrack(wc.WRID)
	if !ok {
		log.Warn().Uint64("wr_id", wc.WRID).Stringer("opcode", wc.Opcode).Msg("Completion for unknown work request")
		return
	}
	// error completions may not carry a valid opcode
	if posted == OpSend {
		q.releaseSendCredit()
	}
	buf := q.pool.Lookup(msgpool.HandleFromWRID(wc.WRID))
	if buf == nil {
		q.fail(fmt.Errorf("completion wr_id %d does not map to a pool buffer", wc.WRID))
		return
	}

	if wc.Err != nil {
		q.pool.PutMessage(buf)
		q.fail(fmt.Errorf("%s completion: %w", wc.Opcode, wc.Err))
		return
	}

	switch wc.Opcode {
	case OpSend:
		q.pool.PutMessage(buf)
	case OpRecv:
		msg, err := buf.Decode()
		q.pool.PutMessage(buf)
		if err != nil {
			log.Error().Err(err).Uint32("bytes", wc.ByteLen).Msg("Dropping undecodable actor message")
		} else {
			q.metrics.RecordReceived(context.Background())
			if q.handler != nil {
				q.handler(msg)
			}
		}
		if err := q.postRecv(); err != nil && !errors.Is(err, ErrClosed) {
			q.fail(fmt.Errorf("repost receive buffer: %w", err))
		}
	default:
		q.pool.PutMessage(buf)
		log.Warn().Stringer("opcode", wc.Opcode).Msg("Unexpected completion opcode")
	}
}
