// Package bootstrap exchanges queue pair endpoints between workers over gRPC
// so both sides can connect their reliable queue pairs.
package bootstrap

import (
	"errors"
	"fmt"

	"github.com/yuuki/actorvm/internal/rdma"
	"github.com/yuuki/actorvm/proto/worker_bootstrap"
)

const (
	maxQPN = 1<<24 - 1
	maxLID = 1<<16 - 1
	maxPSN = 1<<24 - 1
)

// ErrInvalidOffer is returned when an offer is missing fields or carries
// out-of-range values
var ErrInvalidOffer = errors.New("bootstrap: invalid endpoint offer")

// ErrAlreadyConnected is returned when the answering worker keeps an existing
// connection to the offering worker instead
var ErrAlreadyConnected = errors.New("bootstrap: already connected")

// Offer is one side of an endpoint exchange
type Offer struct {
	WorkerID  string
	SessionID string
	Endpoint  rdma.Endpoint
}

func (o Offer) toProto() *worker_bootstrap.EndpointOffer {
	return &worker_bootstrap.EndpointOffer{
		WorkerId:  o.WorkerID,
		SessionId: o.SessionID,
		Qpn:       o.Endpoint.QPN,
		Lid:       uint32(o.Endpoint.LID),
		Gid:       rdma.FormatGID(o.Endpoint.GID),
		Psn:       o.Endpoint.PSN,
	}
}

func offerFromProto(m *worker_bootstrap.EndpointOffer) (Offer, error) {
	if m == nil {
		return Offer{}, fmt.Errorf("%w: empty message", ErrInvalidOffer)
	}
	switch {
	case m.GetWorkerId() == "":
		return Offer{}, fmt.Errorf("%w: missing worker_id", ErrInvalidOffer)
	case m.GetSessionId() == "":
		return Offer{}, fmt.Errorf("%w: missing session_id", ErrInvalidOffer)
	case m.GetQpn() == 0 || m.GetQpn() > maxQPN:
		return Offer{}, fmt.Errorf("%w: qpn out of range: %d", ErrInvalidOffer, m.GetQpn())
	case m.GetLid() > maxLID:
		return Offer{}, fmt.Errorf("%w: lid out of range: %d", ErrInvalidOffer, m.GetLid())
	case m.GetPsn() > maxPSN:
		return Offer{}, fmt.Errorf("%w: psn out of range: %d", ErrInvalidOffer, m.GetPsn())
	}

	gid, err := rdma.ParseGID(m.GetGid())
	if err != nil {
		return Offer{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	return Offer{
		WorkerID:  m.GetWorkerId(),
		SessionID: m.GetSessionId(),
		Endpoint: rdma.Endpoint{
			QPN: m.GetQpn(),
			LID: uint16(m.GetLid()),
			GID: gid,
			PSN: m.GetPsn(),
		},
	}, nil
}
