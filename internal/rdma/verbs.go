//go:build linux && cgo && rdma

package rdma

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <errno.h>
// #include <infiniband/verbs.h>
//
// static int get_errno(void) {
//     return errno;
// }
//
// static int get_phys_port_cnt(struct ibv_context *context, uint8_t *phys_port_cnt) {
//     struct ibv_device_attr device_attr;
//     if (ibv_query_device(context, &device_attr)) {
//         return -1;
//     }
//     *phys_port_cnt = device_attr.phys_port_cnt;
//     return 0;
// }
//
// static int my_ibv_query_port(struct ibv_context *context, uint8_t port_num, struct ibv_port_attr *port_attr) {
//     return ibv_query_port(context, port_num, port_attr);
// }
//
// static int qp_to_init(struct ibv_qp *qp, uint8_t port) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_INIT;
//     attr.pkey_index = 0;
//     attr.port_num = port;
//     attr.qp_access_flags = IBV_ACCESS_LOCAL_WRITE | IBV_ACCESS_REMOTE_WRITE | IBV_ACCESS_REMOTE_READ;
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS);
// }
//
// static int qp_to_rtr(struct ibv_qp *qp, uint8_t port, uint8_t sgid_index,
//               uint32_t dest_qpn, uint32_t rq_psn, uint16_t dlid, const uint8_t *dgid) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTR;
//     attr.path_mtu = IBV_MTU_1024;
//     attr.dest_qp_num = dest_qpn;
//     attr.rq_psn = rq_psn;
//     attr.max_dest_rd_atomic = 1;
//     attr.min_rnr_timer = 12;
//     attr.ah_attr.is_global = 1;
//     attr.ah_attr.dlid = dlid;
//     attr.ah_attr.port_num = port;
//     memcpy(attr.ah_attr.grh.dgid.raw, dgid, 16);
//     attr.ah_attr.grh.sgid_index = sgid_index;
//     attr.ah_attr.grh.hop_limit = 255;
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN |
//         IBV_QP_RQ_PSN | IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER);
// }
//
// static int qp_to_rts(struct ibv_qp *qp, uint32_t sq_psn) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTS;
//     attr.timeout = 14;
//     attr.retry_cnt = 7;
//     attr.rnr_retry = 7;
//     attr.sq_psn = sq_psn;
//     attr.max_rd_atomic = 1;
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT | IBV_QP_RNR_RETRY |
//         IBV_QP_SQ_PSN | IBV_QP_MAX_QP_RD_ATOMIC);
// }
//
// static int post_send_one(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr, uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge = { .addr = addr, .length = length, .lkey = lkey };
//     struct ibv_send_wr wr;
//     struct ibv_send_wr *bad_wr = NULL;
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     wr.opcode = IBV_WR_SEND;
//     wr.send_flags = IBV_SEND_SIGNALED;
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
//
// static int post_recv_one(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr, uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge = { .addr = addr, .length = length, .lkey = lkey };
//     struct ibv_recv_wr wr;
//     struct ibv_recv_wr *bad_wr = NULL;
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     return ibv_post_recv(qp, &wr, &bad_wr);
// }
//
// static int poll_one(struct ibv_cq *cq, uint64_t *wr_id, int *status, int *opcode, uint32_t *byte_len) {
//     struct ibv_wc wc;
//     int n = ibv_poll_cq(cq, 1, &wc);
//     if (n <= 0) {
//         return n;
//     }
//     *wr_id = wc.wr_id;
//     *status = wc.status;
//     *opcode = wc.opcode;
//     *byte_len = wc.byte_len;
//     return 1;
// }
import "C"
import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/actorvm/internal/msgpool"
	"golang.org/x/sys/unix"
)

const (
	// cqPollTimeoutMs bounds how long the poller sleeps before checking for shutdown
	cqPollTimeoutMs = 100
	// minCQSize keeps tiny queue pairs usable
	minCQSize = 16
)

// verbsDevice is an opened libibverbs device with one protection domain
type verbsDevice struct {
	name     string
	ctx      *C.struct_ibv_context
	pd       *C.struct_ibv_pd
	portNum  uint8
	gidIndex uint8
	lid      uint16
	gid      net.IP

	mu       sync.Mutex
	qps      map[*verbsQP]struct{}
	isClosed bool
}

type verbsRegion struct {
	mr     *C.struct_ibv_mr
	memory []byte
}

func (r *verbsRegion) LKey() uint32  { return uint32(r.mr.lkey) }
func (r *verbsRegion) RKey() uint32  { return uint32(r.mr.rkey) }
func (r *verbsRegion) Bytes() []byte { return r.memory }

func openVerbsDevice(cfg DeviceConfig) (Device, error) {
	if cfg.GIDIndex < 0 {
		return nil, fmt.Errorf("gidIndex must be >= 0, got %d", cfg.GIDIndex)
	}

	var numDevices C.int
	deviceList := C.ibv_get_device_list(&numDevices)
	if deviceList == nil {
		return nil, fmt.Errorf("failed to get RDMA device list: %w", ErrUnsupported)
	}
	defer C.ibv_free_device_list(deviceList)
	if numDevices == 0 {
		return nil, fmt.Errorf("no RDMA devices found: %w", ErrUnsupported)
	}

	devices := unsafe.Slice(deviceList, int(numDevices))
	var device *C.struct_ibv_device
	for _, d := range devices {
		if d == nil {
			continue
		}
		name := C.GoString(C.ibv_get_device_name(d))
		log.Debug().Str("device", name).Msg("Found RDMA device")
		if cfg.DeviceName == "" || cfg.DeviceName == name {
			device = d
			break
		}
	}
	if device == nil {
		return nil, fmt.Errorf("RDMA device %q not found: %w", cfg.DeviceName, ErrUnsupported)
	}

	dev := &verbsDevice{
		name: C.GoString(C.ibv_get_device_name(device)),
		qps:  make(map[*verbsQP]struct{}),
	}
	dev.ctx = C.ibv_open_device(device)
	if dev.ctx == nil {
		return nil, fmt.Errorf("failed to open device %s", dev.name)
	}
	dev.pd = C.ibv_alloc_pd(dev.ctx)
	if dev.pd == nil {
		dev.release()
		return nil, fmt.Errorf("failed to allocate protection domain for device %s", dev.name)
	}
	if err := dev.findActivePort(cfg.GIDIndex); err != nil {
		dev.release()
		return nil, err
	}

	log.Info().
		Str("device", dev.name).
		Uint8("port", dev.portNum).
		Str("gid", formatGIDString(dev.gid)).
		Uint16("lid", dev.lid).
		Msg("Opened RDMA device")
	return dev, nil
}

// findActivePort picks the first active port with a non-zero GID at gidIndex
func (d *verbsDevice) findActivePort(gidIndex int) error {
	var physPortCnt C.uint8_t
	if C.get_phys_port_cnt(d.ctx, &physPortCnt) != 0 {
		return fmt.Errorf("failed to query device attributes for %s", d.name)
	}

	for portNum := C.uint8_t(1); portNum <= physPortCnt; portNum++ {
		var portAttr C.struct_ibv_port_attr
		if C.my_ibv_query_port(d.ctx, portNum, &portAttr) != 0 {
			log.Warn().Str("device", d.name).Uint8("port", uint8(portNum)).Msg("Failed to query port, skipping port")
			continue
		}
		if portAttr.state != C.IBV_PORT_ACTIVE {
			continue
		}

		var gid C.union_ibv_gid
		if C.ibv_query_gid(d.ctx, portNum, C.int(gidIndex), &gid) != 0 {
			continue
		}
		gidBytes := C.GoBytes(unsafe.Pointer(&gid), C.sizeof_union_ibv_gid)
		if net.IP(gidBytes).IsUnspecified() {
			log.Warn().Str("device", d.name).Uint8("port", uint8(portNum)).Int("gid_index", gidIndex).Msg("Zero GID on active port")
			continue
		}

		d.portNum = uint8(portNum)
		d.gidIndex = uint8(gidIndex)
		d.lid = uint16(portAttr.lid)
		d.gid = net.IP(gidBytes)
		return nil
	}
	return fmt.Errorf("no usable GID found for device %s on any active port with GID index %d", d.name, gidIndex)
}

func (d *verbsDevice) Name() string { return d.name }

// RegisterMemory maps anonymous memory outside the Go heap and registers it
func (d *verbsDevice) RegisterMemory(size int, access msgpool.AccessFlags) (msgpool.MemoryRegion, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	mr := C.ibv_reg_mr(d.pd, unsafe.Pointer(&mem[0]), C.size_t(size), verbsAccess(access))
	if mr == nil {
		errno := syscall.Errno(C.get_errno())
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("ibv_reg_mr failed on %s: %w", d.name, errno)
	}
	return &verbsRegion{mr: mr, memory: mem}, nil
}

// DeregisterMemory deregisters and unmaps a region
func (d *verbsDevice) DeregisterMemory(region msgpool.MemoryRegion) error {
	r, ok := region.(*verbsRegion)
	if !ok || r.mr == nil {
		return fmt.Errorf("memory region is not a verbs region")
	}
	if ret := C.ibv_dereg_mr(r.mr); ret != 0 {
		return fmt.Errorf("ibv_dereg_mr failed: %w", syscall.Errno(ret))
	}
	r.mr = nil
	if err := unix.Munmap(r.memory); err != nil {
		return fmt.Errorf("munmap message region: %w", err)
	}
	r.memory = nil
	return nil
}

func verbsAccess(access msgpool.AccessFlags) C.int {
	var flags C.int
	if access&msgpool.AccessLocalWrite != 0 {
		flags |= C.IBV_ACCESS_LOCAL_WRITE
	}
	if access&msgpool.AccessRemoteWrite != 0 {
		flags |= C.IBV_ACCESS_REMOTE_WRITE
	}
	if access&msgpool.AccessRemoteRead != 0 {
		flags |= C.IBV_ACCESS_REMOTE_READ
	}
	return flags
}

func (d *verbsDevice) CreateQueuePair(cfg QueuePairConfig) (QueuePair, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isClosed {
		return nil, ErrClosed
	}

	cqSize := cfg.SendDepth + cfg.RecvDepth
	if cqSize < minCQSize {
		cqSize = minCQSize
	}

	compChannel := C.ibv_create_comp_channel(d.ctx)
	if compChannel == nil {
		return nil, fmt.Errorf("failed to create completion channel for device %s", d.name)
	}
	if err := unix.SetNonblock(int(compChannel.fd), true); err != nil {
		C.ibv_destroy_comp_channel(compChannel)
		return nil, fmt.Errorf("failed to make completion channel non-blocking: %w", err)
	}

	cq := C.ibv_create_cq(d.ctx, C.int(cqSize), nil, compChannel, 0)
	if cq == nil {
		C.ibv_destroy_comp_channel(compChannel)
		return nil, fmt.Errorf("failed to create CQ for device %s", d.name)
	}

	var initAttr C.struct_ibv_qp_init_attr
	initAttr.send_cq = cq
	initAttr.recv_cq = cq
	initAttr.qp_type = C.IBV_QPT_RC
	initAttr.sq_sig_all = 0
	initAttr.cap.max_send_wr = C.uint32_t(max(cfg.SendDepth, 1))
	initAttr.cap.max_recv_wr = C.uint32_t(max(cfg.RecvDepth, 1))
	initAttr.cap.max_send_sge = 1
	initAttr.cap.max_recv_sge = 1

	qp := C.ibv_create_qp(d.pd, &initAttr)
	if qp == nil {
		errno := syscall.Errno(C.get_errno())
		C.ibv_destroy_cq(cq)
		C.ibv_destroy_comp_channel(compChannel)
		return nil, fmt.Errorf("failed to create RC QP on %s: %w", d.name, errno)
	}
	if ret := C.qp_to_init(qp, C.uint8_t(d.portNum)); ret != 0 {
		C.ibv_destroy_qp(qp)
		C.ibv_destroy_cq(cq)
		C.ibv_destroy_comp_channel(compChannel)
		return nil, fmt.Errorf("failed to modify QP to INIT: %w", syscall.Errno(ret))
	}

	q := &verbsQP{
		dev:         d,
		qp:          qp,
		cq:          cq,
		compChannel: compChannel,
		qpn:         uint32(qp.qp_num),
		psn:         rand.Uint32() & 0xffffff,
		completions: newCompletionQueue(),
		pollerDone:  make(chan struct{}),
	}
	if C.ibv_req_notify_cq(cq, 0) != 0 {
		q.destroy()
		return nil, fmt.Errorf("failed to request CQ notification: %w", syscall.Errno(C.get_errno()))
	}
	q.pollerWG.Add(1)
	go q.pollCQ()

	d.qps[q] = struct{}{}
	log.Debug().Str("device", d.name).Uint32("qpn", q.qpn).Int("cq_size", cqSize).Msg("Created RC queue pair")
	return q, nil
}

func (d *verbsDevice) Close() error {
	d.mu.Lock()
	if d.isClosed {
		d.mu.Unlock()
		return nil
	}
	d.isClosed = true
	qps := make([]*verbsQP, 0, len(d.qps))
	for q := range d.qps {
		qps = append(qps, q)
	}
	d.mu.Unlock()

	for _, q := range qps {
		q.Close()
	}
	d.release()
	log.Debug().Str("device", d.name).Msg("Closed RDMA device")
	return nil
}

// release deallocates PD and closes device context
func (d *verbsDevice) release() {
	if d.pd != nil {
		C.ibv_dealloc_pd(d.pd)
		d.pd = nil
	}
	if d.ctx != nil {
		C.ibv_close_device(d.ctx)
		d.ctx = nil
	}
}

// verbsQP is an RC queue pair with its own CQ and completion channel
type verbsQP struct {
	dev         *verbsDevice
	qp          *C.struct_ibv_qp
	cq          *C.struct_ibv_cq
	compChannel *C.struct_ibv_comp_channel
	qpn         uint32
	psn         uint32
	completions *completionQueue

	mu        sync.Mutex
	connected bool
	isClosed  bool

	pollerDone chan struct{}
	pollerWG   sync.WaitGroup
}

func (q *verbsQP) Endpoint() Endpoint {
	return Endpoint{QPN: q.qpn, LID: q.dev.lid, GID: q.dev.gid, PSN: q.psn}
}

// Connect moves the queue pair through RTR to RTS towards remote
func (q *verbsQP) Connect(remote Endpoint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return ErrClosed
	}

	gid := remote.GID.To16()
	if gid == nil {
		return fmt.Errorf("remote endpoint has no GID")
	}
	var dgid [16]byte
	copy(dgid[:], gid)

	if ret := C.qp_to_rtr(q.qp, C.uint8_t(q.dev.portNum), C.uint8_t(q.dev.gidIndex),
		C.uint32_t(remote.QPN), C.uint32_t(remote.PSN), C.uint16_t(remote.LID),
		(*C.uint8_t)(unsafe.Pointer(&dgid[0]))); ret != 0 {
		return fmt.Errorf("failed to modify QP 0x%x to RTR: %w", q.qpn, syscall.Errno(ret))
	}
	if ret := C.qp_to_rts(q.qp, C.uint32_t(q.psn)); ret != 0 {
		return fmt.Errorf("failed to modify QP 0x%x to RTS: %w", q.qpn, syscall.Errno(ret))
	}
	q.connected = true

	log.Info().Uint32("qpn", q.qpn).Str("remote", remote.String()).Msg("RC queue pair connected")
	return nil
}

func (q *verbsQP) PostSend(wrID uint64, buf []byte, mr msgpool.MemoryRegion) error {
	r, err := q.region(buf, mr)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return ErrClosed
	}
	if !q.connected {
		return ErrNotConnected
	}
	if ret := C.post_send_one(q.qp, C.uint64_t(wrID), C.uint64_t(uintptr(unsafe.Pointer(&buf[0]))),
		C.uint32_t(len(buf)), r.mr.lkey); ret != 0 {
		return fmt.Errorf("ibv_post_send failed: %w", syscall.Errno(ret))
	}
	return nil
}

func (q *verbsQP) PostRecv(wrID uint64, buf []byte, mr msgpool.MemoryRegion) error {
	r, err := q.region(buf, mr)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return ErrClosed
	}
	if ret := C.post_recv_one(q.qp, C.uint64_t(wrID), C.uint64_t(uintptr(unsafe.Pointer(&buf[0]))),
		C.uint32_t(len(buf)), r.mr.lkey); ret != 0 {
		return fmt.Errorf("ibv_post_recv failed: %w", syscall.Errno(ret))
	}
	return nil
}

func (q *verbsQP) region(buf []byte, mr msgpool.MemoryRegion) (*verbsRegion, error) {
	r, ok := mr.(*verbsRegion)
	if !ok || r.mr == nil {
		return nil, fmt.Errorf("buffer region is not registered with %s", q.dev.name)
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty work request buffer")
	}
	return r, nil
}

func (q *verbsQP) Completions() <-chan WorkCompletion {
	return q.completions.out
}

func (q *verbsQP) Close() error {
	q.mu.Lock()
	if q.isClosed {
		q.mu.Unlock()
		return nil
	}
	q.isClosed = true
	q.mu.Unlock()

	close(q.pollerDone)
	q.pollerWG.Wait()
	q.destroy()

	q.dev.mu.Lock()
	delete(q.dev.qps, q)
	q.dev.mu.Unlock()

	log.Debug().Uint32("qpn", q.qpn).Msg("Destroyed RC queue pair")
	return nil
}

func (q *verbsQP) destroy() {
	if q.qp != nil {
		C.ibv_destroy_qp(q.qp)
		q.qp = nil
	}
	if q.cq != nil {
		C.ibv_destroy_cq(q.cq)
		q.cq = nil
	}
	if q.compChannel != nil {
		C.ibv_destroy_comp_channel(q.compChannel)
		q.compChannel = nil
	}
	q.completions.close()
}

// pollCQ waits on the completion channel, drains the CQ and forwards every
// work completion
func (q *verbsQP) pollCQ() {
	defer q.pollerWG.Done()
	log.Debug().Uint32("qpn", q.qpn).Msg("Starting CQ poller")

	fds := []unix.PollFd{{Fd: int32(q.compChannel.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-q.pollerDone:
			log.Debug().Uint32("qpn", q.qpn).Msg("CQ poller stopped")
			return
		default:
		}

		n, err := unix.Poll(fds, cqPollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			q.reportPollerError(fmt.Errorf("poll completion channel: %w", err))
			return
		}
		if n == 0 {
			continue
		}

		var cqEv *C.struct_ibv_cq
		var cqCtx unsafe.Pointer
		if C.ibv_get_cq_event(q.compChannel, &cqEv, &cqCtx) != 0 {
			errno := syscall.Errno(C.get_errno())
			if errno == syscall.EAGAIN {
				continue
			}
			q.reportPollerError(fmt.Errorf("ibv_get_cq_event failed: %w", errno))
			return
		}
		C.ibv_ack_cq_events(cqEv, 1)
		if C.ibv_req_notify_cq(q.cq, 0) != 0 {
			q.reportPollerError(fmt.Errorf("failed to re-request CQ notification: %w", syscall.Errno(C.get_errno())))
			return
		}
		q.drainCQ()
	}
}

func (q *verbsQP) drainCQ() {
	for {
		var (
			wrID    C.uint64_t
			status  C.int
			opcode  C.int
			byteLen C.uint32_t
		)
		n := C.poll_one(q.cq, &wrID, &status, &opcode, &byteLen)
		if n == 0 {
			return
		}
		if n < 0 {
			q.reportPollerError(fmt.Errorf("ibv_poll_cq failed: %d", int(n)))
			return
		}

		wc := WorkCompletion{WRID: uint64(wrID), ByteLen: uint32(byteLen), Opcode: OpSend}
		if opcode&C.IBV_WC_RECV != 0 {
			wc.Opcode = OpRecv
		}
		if status != C.IBV_WC_SUCCESS {
			wc.Err = fmt.Errorf("work completion error: %s (%d)",
				C.GoString(C.ibv_wc_status_str(C.enum_ibv_wc_status(status))), int(status))
		}
		log.Trace().Uint32("qpn", q.qpn).Uint64("wr_id", wc.WRID).Stringer("opcode", wc.Opcode).Int("status", int(status)).Msg("Work completion")
		q.completions.push(wc)
	}
}

// reportPollerError surfaces a poller failure as an error completion so the
// owner of the queue pair marks the connection broken
func (q *verbsQP) reportPollerError(err error) {
	log.Error().Err(err).Uint32("qpn", q.qpn).Msg("CQ poller error")
	q.completions.push(WorkCompletion{WRID: WRIDNone, Err: err})
}
