package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/actorvm/internal/rdma"
	"github.com/yuuki/actorvm/proto/worker_bootstrap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Client requests endpoint exchanges from one peer
type Client struct {
	addr     string
	workerID string
	conn     *grpc.ClientConn
	client   worker_bootstrap.ExchangeClient
	mutex    sync.Mutex
}

// NewClient creates a client for the peer at addr. The connection is
// established lazily on the first exchange.
func NewClient(workerID, addr string) (*Client, error) {
	conn, err := grpc.NewClient(
		"dns:///"+addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap client for %s: %w", addr, err)
	}
	return &Client{
		addr:     addr,
		workerID: workerID,
		conn:     conn,
		client:   worker_bootstrap.NewExchangeClient(conn),
	}, nil
}

// Exchange offers local to the peer and returns the peer's answer. Each call
// is a new session.
func (c *Client) Exchange(ctx context.Context, local rdma.Endpoint) (Offer, error) {
	c.mutex.Lock()
	closed := c.conn == nil
	c.mutex.Unlock()
	if closed {
		return Offer{}, fmt.Errorf("bootstrap client for %s is closed", c.addr)
	}

	offer := Offer{WorkerID: c.workerID, SessionID: uuid.NewString(), Endpoint: local}
	resp, err := c.client.Exchange(ctx, offer.toProto())
	if status.Code(err) == codes.AlreadyExists {
		return Offer{}, fmt.Errorf("endpoint exchange with %s refused: %w: %v", c.addr, ErrAlreadyConnected, err)
	}
	if err != nil {
		return Offer{}, fmt.Errorf("endpoint exchange with %s failed: %w", c.addr, err)
	}

	remote, err := offerFromProto(resp)
	if err != nil {
		return Offer{}, fmt.Errorf("bad answer from %s: %w", c.addr, err)
	}
	if remote.SessionID != offer.SessionID {
		return Offer{}, fmt.Errorf("%w: session %s answered for %s", ErrInvalidOffer, remote.SessionID, offer.SessionID)
	}

	log.Info().
		Str("peer", remote.WorkerID).
		Str("addr", c.addr).
		Str("session", offer.SessionID).
		Str("endpoint", remote.Endpoint.String()).
		Msg("Endpoint exchange completed")
	return remote, nil
}

// Close closes the connection to the peer
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return err
		}
		c.conn = nil
	}
	return nil
}
