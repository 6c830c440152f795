package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/actorvm/internal/rdma"
	"github.com/yuuki/actorvm/proto/worker_bootstrap"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultMaxConns bounds concurrent bootstrap connections
const DefaultMaxConns = 64

// Acceptor sets up the local side of a connection requested by a peer. It
// returns the endpoint the peer should connect to.
type Acceptor func(ctx context.Context, remote Offer) (rdma.Endpoint, error)

// Server answers endpoint exchanges from peers
type Server struct {
	worker_bootstrap.UnimplementedExchangeServer

	workerID   string
	listenAddr string
	maxConns   int
	accept     Acceptor

	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server for workerID. maxConns <= 0 uses DefaultMaxConns.
func NewServer(workerID, listenAddr string, maxConns int, accept Acceptor) *Server {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	return &Server{
		workerID:   workerID,
		listenAddr: listenAddr,
		maxConns:   maxConns,
		accept:     accept,
	}
}

// Start listens and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.listener = netutil.LimitListener(listener, s.maxConns)

	s.server = grpc.NewServer()
	worker_bootstrap.RegisterExchangeServer(s.server, s)

	log.Info().
		Str("addr", listener.Addr().String()).
		Int("max_conns", s.maxConns).
		Msg("Starting bootstrap server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error().Err(err).Msg("Bootstrap server error")
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop waits for in-flight exchanges and stops serving
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
	s.wg.Wait()
	log.Info().Msg("Bootstrap server stopped")
}

// Exchange implements the ExchangeServer interface
func (s *Server) Exchange(ctx context.Context, req *worker_bootstrap.EndpointOffer) (*worker_bootstrap.EndpointOffer, error) {
	remote, err := offerFromProto(req)
	if err != nil {
		log.Warn().Err(err).Msg("Rejected endpoint offer")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	log.Info().
		Str("peer", remote.WorkerID).
		Str("session", remote.SessionID).
		Str("endpoint", remote.Endpoint.String()).
		Msg("Endpoint offer received")

	local, err := s.accept(ctx, remote)
	if err != nil {
		log.Error().Err(err).Str("peer", remote.WorkerID).Msg("Failed to accept connection")
		switch {
		case errors.Is(err, rdma.ErrUnsupported):
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		case errors.Is(err, ErrAlreadyConnected):
			return nil, status.Error(codes.AlreadyExists, err.Error())
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	return Offer{WorkerID: s.workerID, SessionID: remote.SessionID, Endpoint: local}.toProto(), nil
}
