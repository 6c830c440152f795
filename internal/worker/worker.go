// Package worker composes one actorvm process: the RDMA device and message
// pool, the instruction scheduler, actor message queue pairs to every peer,
// the bootstrap server and the optional worker directory.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/actorvm/internal/actor"
	"github.com/yuuki/actorvm/internal/bootstrap"
	"github.com/yuuki/actorvm/internal/config"
	"github.com/yuuki/actorvm/internal/ipc"
	"github.com/yuuki/actorvm/internal/msgpool"
	"github.com/yuuki/actorvm/internal/rdma"
	"github.com/yuuki/actorvm/internal/registry"
	"github.com/yuuki/actorvm/internal/telemetry"
	"github.com/yuuki/actorvm/internal/vm"
)

const connectTimeout = 10 * time.Second

var (
	// ErrUnknownPeer is returned when sending to a worker with no connection
	ErrUnknownPeer = errors.New("worker: no connection to peer")
	// ErrPeerExists is returned when a second connection to a peer is set up
	ErrPeerExists = fmt.Errorf("worker: %w", bootstrap.ErrAlreadyConnected)
	// ErrActorExists is returned when an actor id is registered twice
	ErrActorExists = errors.New("worker: actor already registered")
	// ErrNotStarted is returned by operations that need a started worker
	ErrNotStarted = errors.New("worker: not started")
)

// ActorHandler processes one message addressed to an actor. Messages for the
// same actor are handled one at a time in arrival order.
type ActorHandler func(ctx context.Context, msg actor.Msg) error

// peerConn is the queue pair to one peer and the worker that dialed it
type peerConn struct {
	qp        *rdma.ActorMsgQP
	initiator string
}

type actorEntry struct {
	id      int64
	handler ActorHandler
	state   *vm.LocalDepObject
}

// Worker is one process of the distributed execution engine
type Worker struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.WorkerConfig

	device    rdma.Device
	pool      *msgpool.Pool
	scheduler *vm.Scheduler
	server    *bootstrap.Server
	directory *registry.WorkerDirectory
	metrics   *telemetry.Metrics
	shm       *ipc.SharedMemory

	mu      sync.Mutex
	started bool
	peers   map[string]*peerConn
	actors  map[int64]*actorEntry

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a worker instance
func New(cfg *config.WorkerConfig) (*Worker, error) {
	initLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		ctx:    ctx,
		cancel: cancel,
		config: cfg,
		peers:  make(map[string]*peerConn),
		actors: make(map[int64]*actorEntry),
	}

	log.Debug().Str("worker_id", cfg.WorkerID).Str("backend", cfg.Backend).Msg("Worker instance created")
	return w, nil
}

// ID returns the worker id
func (w *Worker) ID() string { return w.config.WorkerID }

// Start opens the device, starts the scheduler and the bootstrap server,
// registers with the worker directory and connects to the configured peers
func (w *Worker) Start() error {
	log.Debug().Msg("Starting worker")

	if w.config.MetricsEnabled {
		m, err := telemetry.NewMetrics(w.ctx, w.config.WorkerID, w.config.OtelCollectorAddr)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			w.metrics = m
			log.Info().
				Str("worker_id", w.config.WorkerID).
				Str("collector_addr", w.config.OtelCollectorAddr).
				Msg("OpenTelemetry metrics initialized")
		}
	}

	kind, err := rdma.ParseKind(w.config.Backend)
	if err != nil {
		return err
	}
	w.device, err = rdma.OpenDevice(rdma.DeviceConfig{
		Kind:       kind,
		DeviceName: w.config.DeviceName,
		GIDIndex:   w.config.GIDIndex,
	})
	if err != nil {
		return fmt.Errorf("failed to open rdma device: %w", err)
	}
	log.Info().Str("device", w.device.Name()).Msg("RDMA device opened")

	w.pool = msgpool.New(w.device, w.config.MsgsPerBulk,
		msgpool.WithMetrics(w.metrics),
		msgpool.WithGrowthWarning(w.config.PoolWarnRegions),
	)

	w.scheduler = vm.NewScheduler(vm.SchedulerConfig{
		Workers:               w.config.SchedulerWorkers,
		DispatchRatePerSecond: w.config.DispatchRatePerSecond,
		Metrics:               w.metrics,
	})
	if err := w.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if w.config.SharedMemorySize > 0 {
		shm, err := ipc.Create(w.config.SharedMemoryName, w.config.SharedMemorySize)
		switch {
		case errors.Is(err, ipc.ErrUnsupportedPlatform):
			log.Warn().Err(err).Msg("Shared buffer segment unavailable on this platform")
		case err != nil:
			return fmt.Errorf("failed to create shared buffer segment: %w", err)
		default:
			w.shm = shm
			log.Info().Str("name", shm.Name()).Int("size", shm.Size()).Msg("Shared buffer segment created")
		}
	}

	w.server = bootstrap.NewServer(w.config.WorkerID, w.config.ListenAddr, w.config.MaxBootstrapConns, w.acceptPeer)
	if err := w.server.Start(); err != nil {
		return fmt.Errorf("failed to start bootstrap server: %w", err)
	}

	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	if w.config.DatabaseURI != "" {
		w.directory, err = registry.NewWorkerDirectory(w.config.DatabaseURI)
		if err != nil {
			return fmt.Errorf("failed to open worker directory: %w", err)
		}
		w.wg.Add(1)
		go w.refreshDirectory()
	}

	for _, addr := range w.config.Peers {
		ctx, cancel := context.WithTimeout(w.ctx, connectTimeout)
		_, err := w.ConnectPeer(ctx, addr)
		switch {
		case errors.Is(err, ErrPeerExists):
			log.Info().Str("addr", addr).Msg("Peer already connected")
		case err != nil:
			log.Error().Err(err).Str("addr", addr).Msg("Failed to connect to peer")
		}
		cancel()
	}

	log.Info().
		Str("worker_id", w.config.WorkerID).
		Str("bootstrap_addr", w.BootstrapAddr()).
		Int("peers", len(w.Peers())).
		Msg("Worker started")
	return nil
}

// Stop tears everything down in reverse order of Start. It is safe to call
// more than once and after a failed Start.
func (w *Worker) Stop() {
	w.stopOnce.Do(w.stop)
}

func (w *Worker) stop() {
	log.Info().Msg("Stopping worker")
	w.cancel()

	if w.server != nil {
		w.server.Stop()
	}

	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	w.mu.Lock()
	w.started = false
	peers := w.peers
	w.peers = make(map[string]*peerConn)
	w.mu.Unlock()
	for id, pc := range peers {
		if err := pc.qp.Close(); err != nil {
			log.Error().Err(err).Str("peer", id).Msg("Failed to close queue pair")
		}
	}

	log.Debug().Msg("Waiting for background goroutines to complete")
	w.wg.Wait()

	if w.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := w.directory.Deregister(ctx, w.config.WorkerID); err != nil {
			log.Error().Err(err).Msg("Failed to deregister from worker directory")
		}
		cancel()
		w.directory.Close()
	}

	if w.pool != nil {
		w.pool.Close()
	}
	if w.device != nil {
		if err := w.device.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close rdma device")
		}
	}

	if w.shm != nil {
		if err := w.shm.Unlink(); err != nil {
			log.Error().Err(err).Msg("Failed to unlink shared buffer segment")
		}
		if err := w.shm.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close shared buffer segment")
		}
	}

	if w.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := w.metrics.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics properly")
		}
	}

	log.Info().Msg("Worker stopped")
}

// Run starts the worker and blocks until SIGINT or SIGTERM
func (w *Worker) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")

	forceQuitCh := make(chan os.Signal, 1)
	signal.Notify(forceQuitCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-forceQuitCh
		log.Warn().Msg("Received second signal, forcing immediate exit...")
		os.Exit(1)
	}()

	w.Stop()
	return nil
}

// BootstrapAddr returns the address peers should dial
func (w *Worker) BootstrapAddr() string {
	if w.config.AdvertiseAddr != "" {
		return w.config.AdvertiseAddr
	}
	if w.server != nil && w.server.Addr() != nil {
		return w.server.Addr().String()
	}
	return w.config.ListenAddr
}

// Scheduler returns the instruction scheduler, for local compute instructions
func (w *Worker) Scheduler() *vm.Scheduler { return w.scheduler }

// SharedMemory returns the shared buffer segment, or nil when disabled
func (w *Worker) SharedMemory() *ipc.SharedMemory { return w.shm }

// Peers returns the ids of connected workers in sorted order
func (w *Worker) Peers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.peers))
	for id := range w.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegisterActor routes messages addressed to id to handler
func (w *Worker) RegisterActor(id int64, handler ActorHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.actors[id]; ok {
		return fmt.Errorf("%w: %d", ErrActorExists, id)
	}
	w.actors[id] = &actorEntry{
		id:      id,
		handler: handler,
		state:   vm.NewLocalDepObject(fmt.Sprintf("actor-%d", id)),
	}
	return nil
}

// Send delivers msg to the worker peerID. Messages to this worker skip the
// transport.
func (w *Worker) Send(peerID string, msg *actor.Msg) error {
	if peerID == w.config.WorkerID {
		w.deliver(*msg)
		return nil
	}

	w.mu.Lock()
	pc, ok := w.peers[peerID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return pc.qp.SendActorMsg(msg)
}

// ConnectPeer sets up a queue pair to the worker listening on addr and
// returns its id. When two workers dial each other at the same time both
// keep the connection dialed by the worker with the smaller id, and the
// other dial fails with ErrPeerExists.
func (w *Worker) ConnectPeer(ctx context.Context, addr string) (string, error) {
	qp, err := w.newQueuePair()
	if err != nil {
		return "", err
	}

	client, err := bootstrap.NewClient(w.config.WorkerID, addr)
	if err != nil {
		qp.Close()
		return "", err
	}
	defer client.Close()

	remote, err := client.Exchange(ctx, qp.Endpoint())
	if errors.Is(err, bootstrap.ErrAlreadyConnected) {
		qp.Close()
		return "", fmt.Errorf("%w: %v", ErrPeerExists, err)
	}
	if err != nil {
		qp.Close()
		return "", err
	}
	if err := qp.Connect(remote.Endpoint); err != nil {
		qp.Close()
		return "", err
	}
	if err := w.addPeer(remote.WorkerID, w.config.WorkerID, qp); err != nil {
		qp.Close()
		return "", err
	}
	return remote.WorkerID, nil
}

// acceptPeer is the bootstrap side of ConnectPeer
func (w *Worker) acceptPeer(ctx context.Context, remote bootstrap.Offer) (rdma.Endpoint, error) {
	w.mu.Lock()
	existing := w.peers[remote.WorkerID]
	w.mu.Unlock()
	if existing != nil && w.keepExisting(remote.WorkerID, existing, remote.WorkerID) {
		return rdma.Endpoint{}, fmt.Errorf("%w: %s", ErrPeerExists, remote.WorkerID)
	}

	qp, err := w.newQueuePair()
	if err != nil {
		return rdma.Endpoint{}, err
	}
	if err := qp.Connect(remote.Endpoint); err != nil {
		qp.Close()
		return rdma.Endpoint{}, err
	}
	if err := w.addPeer(remote.WorkerID, remote.WorkerID, qp); err != nil {
		qp.Close()
		return rdma.Endpoint{}, err
	}
	return qp.Endpoint(), nil
}

func (w *Worker) newQueuePair() (*rdma.ActorMsgQP, error) {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	return rdma.NewActorMsgQP(w.device, w.pool, w.deliver,
		rdma.WithRecvDepth(w.config.RecvDepth),
		rdma.WithSendDepth(w.config.SendDepth),
		rdma.WithSendRate(w.config.SendRatePerSecond),
		rdma.WithQPMetrics(w.metrics),
	)
}

// keepExisting reports whether the current connection to peerID stays when
// another one dialed by initiator shows up. The connection dialed by the
// smaller worker id wins, so both ends settle on the same queue pair.
func (w *Worker) keepExisting(peerID string, existing *peerConn, initiator string) bool {
	winner := min(w.config.WorkerID, peerID)
	return existing.initiator == winner || initiator != winner
}

func (w *Worker) addPeer(peerID, initiator string, qp *rdma.ActorMsgQP) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return ErrNotStarted
	}
	replaced := w.peers[peerID]
	if replaced != nil && w.keepExisting(peerID, replaced, initiator) {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPeerExists, peerID)
	}
	w.peers[peerID] = &peerConn{qp: qp, initiator: initiator}
	w.mu.Unlock()

	// closed outside w.mu: its poller may be delivering a message
	if replaced != nil {
		log.Info().
			Str("peer", peerID).
			Str("dialed_by", replaced.initiator).
			Msg("Replacing connection dialed concurrently by the peer")
		if err := replaced.qp.Close(); err != nil {
			log.Error().Err(err).Str("peer", peerID).Msg("Failed to close replaced queue pair")
		}
	}

	w.wg.Add(1)
	go w.watchPeer(peerID, qp)

	log.Info().
		Str("peer", peerID).
		Str("dialed_by", initiator).
		Str("endpoint", qp.Endpoint().String()).
		Msg("Peer connected")
	return nil
}

// watchPeer drops the connection to peerID once its queue pair breaks
func (w *Worker) watchPeer(peerID string, qp *rdma.ActorMsgQP) {
	defer w.wg.Done()
	select {
	case <-w.ctx.Done():
		return
	case <-qp.Done():
		return
	case err := <-qp.Errors():
		log.Error().Err(err).Str("peer", peerID).Msg("Connection to peer broken, dropping it")
	}

	w.mu.Lock()
	if pc := w.peers[peerID]; pc != nil && pc.qp == qp {
		delete(w.peers, peerID)
	}
	w.mu.Unlock()
	if err := qp.Close(); err != nil {
		log.Error().Err(err).Str("peer", peerID).Msg("Failed to close queue pair")
	}
}

// deliver turns an incoming message into an instruction holding a write
// access on the destination actor's state
func (w *Worker) deliver(msg actor.Msg) {
	w.mu.Lock()
	entry, ok := w.actors[msg.DstActorID]
	w.mu.Unlock()
	if !ok {
		log.Warn().
			Int64("dst_actor", msg.DstActorID).
			Stringer("type", msg.Type).
			Msg("Dropping message for unknown actor")
		return
	}

	instr := vm.NewInstruction(
		fmt.Sprintf("actor-%d/%s", entry.id, msg.Type),
		func(ctx context.Context) error { return entry.handler(ctx, msg) },
		vm.NewBlobAccessOperand(entry.state, vm.ModifierMut),
	)
	if err := w.scheduler.Submit(instr); err != nil {
		log.Error().Err(err).Int64("dst_actor", entry.id).Msg("Failed to submit actor instruction")
	}
}

// refreshDirectory keeps this worker's registration fresh and dials newly
// discovered peers. Of every pair of workers only the one with the smaller
// id dials.
func (w *Worker) refreshDirectory() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.RegistryRefresh)
	defer ticker.Stop()

	hostname, _ := os.Hostname()
	for {
		w.syncDirectory(hostname)
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) syncDirectory(hostname string) {
	ctx, cancel := context.WithTimeout(w.ctx, connectTimeout)
	defer cancel()

	err := w.directory.Register(ctx, registry.WorkerInfo{
		WorkerID:      w.config.WorkerID,
		BootstrapAddr: w.BootstrapAddr(),
		Backend:       w.config.Backend,
		Hostname:      hostname,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to refresh worker registration")
		return
	}

	if removed, err := w.directory.CleanupStaleEntries(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to clean up stale worker registrations")
	} else if removed > 0 {
		log.Info().Int64("removed", removed).Msg("Removed stale worker registrations")
	}

	peers, err := w.directory.ListPeers(ctx, w.config.WorkerID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list peers")
		return
	}

	connected := make(map[string]bool)
	for _, id := range w.Peers() {
		connected[id] = true
	}
	for _, p := range peers {
		if connected[p.WorkerID] || p.WorkerID < w.config.WorkerID {
			continue
		}
		if _, err := w.ConnectPeer(ctx, p.BootstrapAddr); err != nil {
			log.Warn().Err(err).Str("peer", p.WorkerID).Str("addr", p.BootstrapAddr).Msg("Failed to connect to discovered peer")
		}
	}
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
