// Package rdma moves fixed-size actor messages between worker processes over
// reliable-connected queue pairs. The adapter backend is chosen at startup.
package rdma

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/actorvm/internal/msgpool"
)

// Kind names a device backend
type Kind string

const (
	// KindAuto uses verbs when compiled in and a device is present
	KindAuto Kind = "auto"
	// KindVerbs uses libibverbs
	KindVerbs Kind = "verbs"
	// KindLoopback moves bytes between queue pairs inside this process
	KindLoopback Kind = "loopback"
	// KindUnsupported reports ErrUnsupported from every entry point
	KindUnsupported Kind = "unsupported"
)

var (
	// ErrUnsupported means the host cannot run the requested backend
	ErrUnsupported = errors.New("rdma: not supported on this host")
	// ErrConnectionBroken is returned once a queue pair has seen a fatal error
	ErrConnectionBroken = errors.New("rdma: connection broken")
	// ErrNotConnected is returned when sending on a queue pair before Connect
	ErrNotConnected = errors.New("rdma: queue pair not connected")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("rdma: closed")
)

// ParseKind converts a backend name to a Kind
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindAuto, KindVerbs, KindLoopback, KindUnsupported:
		return k, nil
	default:
		return "", fmt.Errorf("unknown rdma backend %q (want auto, verbs, loopback or unsupported)", s)
	}
}

// Endpoint is what a peer needs to connect to a queue pair
type Endpoint struct {
	QPN uint32
	LID uint16
	GID net.IP
	PSN uint32
}

func (e Endpoint) String() string {
	return fmt.Sprintf("qpn=0x%x lid=%d gid=%s psn=%d", e.QPN, e.LID, formatGIDString(e.GID), e.PSN)
}

// Opcode is the kind of work request a completion belongs to
type Opcode int

const (
	// OpSend completes a PostSend
	OpSend Opcode = iota
	// OpRecv completes a PostRecv
	OpRecv
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	default:
		return fmt.Sprintf("opcode(%d)", int(o))
	}
}

// WRIDNone marks a completion that reports a queue failure rather than the
// outcome of a work request
const WRIDNone = ^uint64(0)

// WorkCompletion reports the outcome of one posted work request.
// Err is non-nil when the request failed.
type WorkCompletion struct {
	WRID    uint64
	Opcode  Opcode
	ByteLen uint32
	Err     error
}

// QueuePairConfig sizes a queue pair
type QueuePairConfig struct {
	SendDepth int
	RecvDepth int
}

// Device is an opened adapter. It registers memory for the message pool and
// creates queue pairs.
type Device interface {
	msgpool.Registrar
	Name() string
	CreateQueuePair(cfg QueuePairConfig) (QueuePair, error)
	Close() error
}

// QueuePair is one end of a reliable connection
type QueuePair interface {
	Endpoint() Endpoint
	Connect(remote Endpoint) error
	PostSend(wrID uint64, buf []byte, mr msgpool.MemoryRegion) error
	PostRecv(wrID uint64, buf []byte, mr msgpool.MemoryRegion) error
	Completions() <-chan WorkCompletion
	Close() error
}

// DeviceConfig selects and configures a backend
type DeviceConfig struct {
	Kind       Kind
	DeviceName string // verbs only; empty picks the first device
	GIDIndex   int    // verbs only
}

// OpenDevice opens the backend named by cfg.Kind
func OpenDevice(cfg DeviceConfig) (Device, error) {
	switch cfg.Kind {
	case KindVerbs:
		return openVerbsDevice(cfg)
	case KindLoopback:
		return NewLoopbackDevice(DefaultFabric, cfg.DeviceName), nil
	case KindUnsupported:
		return unsupportedDevice{}, nil
	case KindAuto, "":
		dev, err := openVerbsDevice(cfg)
		if err == nil {
			return dev, nil
		}
		log.Warn().Err(err).Msg("No usable RDMA device, transport is unavailable")
		return unsupportedDevice{}, nil
	default:
		return nil, fmt.Errorf("unknown rdma backend %q", cfg.Kind)
	}
}

// isIPv4MappedIPv6 checks if the given IP byte slice represents an IPv4-mapped IPv6 address
func isIPv4MappedIPv6(ipBytes []byte) bool {
	return len(ipBytes) == 16 && ipBytes[10] == 0xff && ipBytes[11] == 0xff
}

// formatGIDString creates the string form of a GID, keeping the ::ffff:
// prefix of IPv4-mapped addresses so RoCE v2 GIDs stay recognisable
func formatGIDString(gidBytes []byte) string {
	if len(gidBytes) == 0 {
		return "::"
	}
	if isIPv4MappedIPv6(gidBytes) {
		return fmt.Sprintf("::ffff:%d.%d.%d.%d", gidBytes[12], gidBytes[13], gidBytes[14], gidBytes[15])
	}
	return net.IP(gidBytes).String()
}

// FormatGID is the exported form of formatGIDString for endpoint exchange
func FormatGID(gid net.IP) string {
	return formatGIDString(gid)
}

// ParseGID parses a GID produced by FormatGID
func ParseGID(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid GID %q", s)
	}
	return ip.To16(), nil
}
