package rdma

import (
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/actorvm/internal/msgpool"
)

// DefaultFabric connects loopback devices opened through OpenDevice
var DefaultFabric = NewLoopbackFabric()

// LoopbackFabric is the in-process "wire" between loopback queue pairs
type LoopbackFabric struct {
	mu      sync.Mutex
	nextQPN uint32
	qps     map[uint32]*loopbackQP
}

// NewLoopbackFabric creates an empty fabric
func NewLoopbackFabric() *LoopbackFabric {
	return &LoopbackFabric{nextQPN: 0x100, qps: make(map[uint32]*loopbackQP)}
}

func (f *LoopbackFabric) attach(qp *loopbackQP) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextQPN++
	f.qps[f.nextQPN] = qp
	return f.nextQPN
}

func (f *LoopbackFabric) detach(qpn uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.qps, qpn)
}

func (f *LoopbackFabric) lookup(qpn uint32) *loopbackQP {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qps[qpn]
}

// loopbackGID is the link-local GID every loopback endpoint reports
var loopbackGID = net.ParseIP("fe80::1").To16()

type loopbackRegion struct {
	lkey   uint32
	memory []byte
}

func (r *loopbackRegion) LKey() uint32  { return r.lkey }
func (r *loopbackRegion) RKey() uint32  { return r.lkey }
func (r *loopbackRegion) Bytes() []byte { return r.memory }

// LoopbackDevice is a software adapter whose queue pairs exchange messages
// with queue pairs on the same fabric
type LoopbackDevice struct {
	name   string
	fabric *LoopbackFabric

	mu       sync.Mutex
	nextKey  uint32
	regions  map[uint32]*loopbackRegion
	qps      map[*loopbackQP]struct{}
	isClosed bool
}

// NewLoopbackDevice creates a device on fabric
func NewLoopbackDevice(fabric *LoopbackFabric, name string) *LoopbackDevice {
	if name == "" {
		name = "loopback0"
	}
	return &LoopbackDevice{
		name:    name,
		fabric:  fabric,
		regions: make(map[uint32]*loopbackRegion),
		qps:     make(map[*loopbackQP]struct{}),
	}
}

// Name returns the device name
func (d *LoopbackDevice) Name() string { return d.name }

// RegisterMemory allocates size bytes and registers them with the device
func (d *LoopbackDevice) RegisterMemory(size int, access msgpool.AccessFlags) (msgpool.MemoryRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid memory region size %d", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isClosed {
		return nil, ErrClosed
	}
	d.nextKey++
	r := &loopbackRegion{lkey: d.nextKey, memory: make([]byte, size)}
	d.regions[r.lkey] = r
	return r, nil
}

// DeregisterMemory releases a region returned by RegisterMemory
func (d *LoopbackDevice) DeregisterMemory(mr msgpool.MemoryRegion) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := mr.(*loopbackRegion)
	if !ok || d.regions[r.lkey] != r {
		return fmt.Errorf("memory region is not registered with %s", d.name)
	}
	delete(d.regions, r.lkey)
	return nil
}

// RegionCount returns the number of registered regions
func (d *LoopbackDevice) RegionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.regions)
}

// CreateQueuePair creates a queue pair attached to the device's fabric
func (d *LoopbackDevice) CreateQueuePair(cfg QueuePairConfig) (QueuePair, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isClosed {
		return nil, ErrClosed
	}

	qp := &loopbackQP{
		dev: d,
		psn: rand.Uint32() & 0xffffff,
		cq:  newCompletionQueue(),
	}
	qp.qpn = d.fabric.attach(qp)
	d.qps[qp] = struct{}{}

	log.Debug().Str("device", d.name).Uint32("qpn", qp.qpn).Msg("Created loopback queue pair")
	return qp, nil
}

// Close closes every queue pair and drops all regions
func (d *LoopbackDevice) Close() error {
	d.mu.Lock()
	if d.isClosed {
		d.mu.Unlock()
		return nil
	}
	d.isClosed = true
	qps := make([]*loopbackQP, 0, len(d.qps))
	for qp := range d.qps {
		qps = append(qps, qp)
	}
	d.regions = make(map[uint32]*loopbackRegion)
	d.mu.Unlock()

	for _, qp := range qps {
		qp.Close()
	}
	return nil
}

func (d *LoopbackDevice) owns(mr msgpool.MemoryRegion) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := mr.(*loopbackRegion)
	return ok && d.regions[r.lkey] == r
}

func (d *LoopbackDevice) forget(qp *loopbackQP) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.qps, qp)
}

type postedRecv struct {
	wrID uint64
	buf  []byte
}

// loopbackQP delivers sends into the peer's posted receive buffers in order.
// Data arriving with no receive posted waits, like an RNR retry.
type loopbackQP struct {
	dev *LoopbackDevice
	qpn uint32
	psn uint32
	cq  *completionQueue

	mu       sync.Mutex
	remote   uint32
	recvs    []postedRecv
	inbound  [][]byte
	isClosed bool
}

func (q *loopbackQP) Endpoint() Endpoint {
	return Endpoint{QPN: q.qpn, GID: loopbackGID, PSN: q.psn}
}

func (q *loopbackQP) Connect(remote Endpoint) error {
	if q.dev.fabric.lookup(remote.QPN) == nil {
		return fmt.Errorf("connect to qpn 0x%x: no such queue pair on fabric", remote.QPN)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return ErrClosed
	}
	q.remote = remote.QPN
	log.Debug().Uint32("qpn", q.qpn).Uint32("remote_qpn", remote.QPN).Msg("Loopback queue pair connected")
	return nil
}

func (q *loopbackQP) PostSend(wrID uint64, buf []byte, mr msgpool.MemoryRegion) error {
	if err := q.checkBuffer(buf, mr); err != nil {
		return err
	}

	q.mu.Lock()
	if q.isClosed {
		q.mu.Unlock()
		return ErrClosed
	}
	remote := q.remote
	q.mu.Unlock()
	if remote == 0 {
		return ErrNotConnected
	}

	peer := q.dev.fabric.lookup(remote)
	if peer == nil || !peer.deliver(append([]byte(nil), buf...)) {
		q.cq.push(WorkCompletion{
			WRID:   wrID,
			Opcode: OpSend,
			Err:    fmt.Errorf("remote qpn 0x%x unreachable: retry exceeded", remote),
		})
		return nil
	}
	q.cq.push(WorkCompletion{WRID: wrID, Opcode: OpSend, ByteLen: uint32(len(buf))})
	return nil
}

func (q *loopbackQP) PostRecv(wrID uint64, buf []byte, mr msgpool.MemoryRegion) error {
	if err := q.checkBuffer(buf, mr); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return ErrClosed
	}
	q.recvs = append(q.recvs, postedRecv{wrID: wrID, buf: buf})
	q.matchLocked()
	return nil
}

func (q *loopbackQP) Completions() <-chan WorkCompletion {
	return q.cq.out
}

func (q *loopbackQP) Close() error {
	q.mu.Lock()
	if q.isClosed {
		q.mu.Unlock()
		return nil
	}
	q.isClosed = true
	q.recvs = nil
	q.inbound = nil
	q.mu.Unlock()

	q.dev.fabric.detach(q.qpn)
	q.dev.forget(q)
	q.cq.close()
	log.Debug().Uint32("qpn", q.qpn).Msg("Closed loopback queue pair")
	return nil
}

// deliver queues data arriving from the peer. It reports false if this queue
// pair is gone.
func (q *loopbackQP) deliver(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return false
	}
	q.inbound = append(q.inbound, data)
	q.matchLocked()
	return true
}

func (q *loopbackQP) matchLocked() {
	for len(q.inbound) > 0 && len(q.recvs) > 0 {
		data, r := q.inbound[0], q.recvs[0]
		q.inbound[0] = nil
		q.inbound = q.inbound[1:]
		q.recvs = q.recvs[1:]

		if len(data) > len(r.buf) {
			q.cq.push(WorkCompletion{
				WRID:   r.wrID,
				Opcode: OpRecv,
				Err:    fmt.Errorf("local length error: %d byte message into %d byte buffer", len(data), len(r.buf)),
			})
			continue
		}
		n := copy(r.buf, data)
		q.cq.push(WorkCompletion{WRID: r.wrID, Opcode: OpRecv, ByteLen: uint32(n)})
	}
}

// checkBuffer enforces that buf lies inside a region registered on this device
func (q *loopbackQP) checkBuffer(buf []byte, mr msgpool.MemoryRegion) error {
	if mr == nil || !q.dev.owns(mr) {
		return fmt.Errorf("buffer region is not registered with %s", q.dev.name)
	}
	mem := mr.Bytes()
	if len(buf) == 0 || len(mem) == 0 {
		return fmt.Errorf("empty work request buffer")
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	start := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if start < base || start+uintptr(len(buf)) > base+uintptr(len(mem)) {
		return fmt.Errorf("work request buffer lies outside its memory region (lkey %d)", mr.LKey())
	}
	return nil
}
