package msgpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/actorvm/internal/actor"
	"github.com/yuuki/actorvm/internal/telemetry"
)

// Memory region access flags requested for every bulk allocation
const (
	AccessLocalWrite  AccessFlags = 1 << 0
	AccessRemoteWrite AccessFlags = 1 << 1
	AccessRemoteRead  AccessFlags = 1 << 2

	// MessageAccess is what message buffers are registered with
	MessageAccess = AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead

	// DefaultMsgsPerBulk is the batch size used when none is configured
	DefaultMsgsPerBulk = 64
)

// AccessFlags describe how the adapter may touch a registered region
type AccessFlags uint32

// MemoryRegion is a registered (pinned) memory range usable as a transfer
// source or destination. Bytes exposes the backing memory.
type MemoryRegion interface {
	LKey() uint32
	RKey() uint32
	Bytes() []byte
}

// Registrar allocates memory registered with the network adapter and releases
// it again. The registrar owns the backing memory so it can place it outside
// the Go heap when the adapter requires that.
type Registrar interface {
	RegisterMemory(size int, access AccessFlags) (MemoryRegion, error)
	DeregisterMemory(mr MemoryRegion) error
}

// Handle identifies a message buffer inside the pool's arena
type Handle struct {
	Region uint32
	Slot   uint32
}

// WRID packs the handle into a work request id
func (h Handle) WRID() uint64 {
	return uint64(h.Region)<<32 | uint64(h.Slot)
}

// HandleFromWRID is the inverse of Handle.WRID
func HandleFromWRID(wrID uint64) Handle {
	return Handle{Region: uint32(wrID >> 32), Slot: uint32(wrID)}
}

// ActorMsgMR is a fixed-size message buffer carved out of a registered region
type ActorMsgMR struct {
	handle Handle
	mr     MemoryRegion
	buf    []byte
	leased bool
}

// Handle returns the arena handle of this buffer
func (m *ActorMsgMR) Handle() Handle { return m.handle }

// MR returns the registered region this buffer belongs to
func (m *ActorMsgMR) MR() MemoryRegion { return m.mr }

// Bytes returns the buffer memory. Its length is always actor.MsgSize.
func (m *ActorMsgMR) Bytes() []byte { return m.buf }

// Encode writes msg into the buffer
func (m *ActorMsgMR) Encode(msg *actor.Msg) error { return msg.Encode(m.buf) }

// Decode parses the message currently held in the buffer
func (m *ActorMsgMR) Decode() (actor.Msg, error) { return actor.Decode(m.buf) }

type region struct {
	mr     MemoryRegion
	memory []byte
	msgs   []*ActorMsgMR
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Regions int
	Total   int
	Free    int
	Leased  int
}

// Option configures a Pool
type Option func(*Pool)

// WithMetrics records pool activity on m
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithGrowthWarning logs a warning each time the number of registered regions
// reaches a multiple of regions. Zero disables the warning.
func WithGrowthWarning(regions int) Option {
	return func(p *Pool) { p.growthWarnRegions = regions }
}

// Pool pre-allocates and recycles message buffers backed by registered memory.
// Growth is unbounded: a Get on an empty free list always allocates a new batch.
type Pool struct {
	registrar   Registrar
	msgsPerBulk int
	msgSize     int

	mu      sync.Mutex
	regions []*region
	free    []Handle
	closed  bool

	metrics           *telemetry.Metrics
	growthWarnRegions int
}

// New creates a pool that registers msgsPerBulk messages per bulk allocation
func New(registrar Registrar, msgsPerBulk int, opts ...Option) *Pool {
	if msgsPerBulk <= 0 {
		msgsPerBulk = DefaultMsgsPerBulk
	}
	p := &Pool{
		registrar:   registrar,
		msgsPerBulk: msgsPerBulk,
		msgSize:     actor.MsgSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetMessage leases a buffer, allocating a new batch if none is free
func (p *Pool) GetMessage() *ActorMsgMR {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		log.Panic().Msg("msgpool: GetMessage on closed pool")
	}
	if len(p.free) == 0 {
		p.bulkAllocMessage()
	}
	return p.getMessageFromFreeList()
}

// PutMessage returns a leased buffer to the pool
func (p *Pool) PutMessage(msg *ActorMsgMR) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !msg.leased {
		log.Panic().
			Uint32("region", msg.handle.Region).
			Uint32("slot", msg.handle.Slot).
			Msg("msgpool: PutMessage of a buffer that is not leased")
	}
	msg.leased = false
	p.free = append(p.free, msg.handle)
	p.metrics.RecordLease(context.Background(), -1)
}

// Lookup returns the buffer for a handle, or nil if the handle is unknown
func (p *Pool) Lookup(h Handle) *ActorMsgMR {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(h.Region) >= len(p.regions) {
		return nil
	}
	r := p.regions[h.Region]
	if int(h.Slot) >= len(r.msgs) {
		return nil
	}
	return r.msgs[h.Slot]
}

// Stats reports region and buffer counts
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.regions) * p.msgsPerBulk
	return Stats{
		Regions: len(p.regions),
		Total:   total,
		Free:    len(p.free),
		Leased:  total - len(p.free),
	}
}

// MsgsPerBulk returns the batch size
func (p *Pool) MsgsPerBulk() int { return p.msgsPerBulk }

// Close deregisters every region and drops all backing memory.
// Buffers must not be used after Close.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	for i, r := range p.regions {
		if err := p.registrar.DeregisterMemory(r.mr); err != nil {
			log.Panic().Err(err).Int("region", i).Msg("msgpool: failed to deregister memory region")
		}
		r.memory = nil
		r.msgs = nil
	}
	log.Debug().Int("regions", len(p.regions)).Msg("Message pool released")
	p.regions = nil
	p.free = nil
	p.closed = true
}

// bulkAllocMessage must be called with p.mu held
func (p *Pool) bulkAllocMessage() {
	registerSize := p.msgSize * p.msgsPerBulk

	mr, err := p.registrar.RegisterMemory(registerSize, MessageAccess)
	if err == nil && (mr == nil || len(mr.Bytes()) < registerSize) {
		err = fmt.Errorf("registrar returned a region smaller than %d bytes", registerSize)
	}
	if err != nil {
		log.Panic().Err(err).Int("bytes", registerSize).Msg("msgpool: failed to register message memory")
	}
	memory := mr.Bytes()

	regionIdx := uint32(len(p.regions))
	r := &region{
		mr:     mr,
		memory: memory,
		msgs:   make([]*ActorMsgMR, p.msgsPerBulk),
	}
	for i := 0; i < p.msgsPerBulk; i++ {
		h := Handle{Region: regionIdx, Slot: uint32(i)}
		r.msgs[i] = &ActorMsgMR{
			handle: h,
			mr:     mr,
			buf:    memory[i*p.msgSize : (i+1)*p.msgSize : (i+1)*p.msgSize],
		}
	}
	p.regions = append(p.regions, r)

	// Push in reverse so slot 0 is handed out first
	for i := p.msgsPerBulk - 1; i >= 0; i-- {
		p.free = append(p.free, Handle{Region: regionIdx, Slot: uint32(i)})
	}

	p.metrics.RecordBulkAllocation(context.Background())
	log.Debug().
		Uint32("region", regionIdx).
		Int("messages", p.msgsPerBulk).
		Int("bytes", registerSize).
		Msg("Bulk allocated message buffers")

	if p.growthWarnRegions > 0 && len(p.regions)%p.growthWarnRegions == 0 {
		log.Warn().
			Int("regions", len(p.regions)).
			Int("messages", len(p.regions)*p.msgsPerBulk).
			Msg("Message pool keeps growing; check for leaked or stalled buffers")
	}
}

// getMessageFromFreeList must be called with p.mu held and a non-empty free list
func (p *Pool) getMessageFromFreeList() *ActorMsgMR {
	last := len(p.free) - 1
	h := p.free[last]
	p.free = p.free[:last]

	msg := p.regions[h.Region].msgs[h.Slot]
	msg.leased = true
	p.metrics.RecordLease(context.Background(), 1)
	return msg
}
