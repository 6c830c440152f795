package vm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/actorvm/internal/telemetry"
	"go.uber.org/ratelimit"
)

var (
	// ErrStopped is returned by Submit after Stop and reported by
	// instructions that never ran because the scheduler stopped
	ErrStopped = errors.New("vm: scheduler stopped")
	// ErrAlreadySubmitted is returned when an instruction is submitted twice
	ErrAlreadySubmitted = errors.New("vm: instruction already submitted")
)

// SchedulerConfig holds the scheduler settings
type SchedulerConfig struct {
	// Workers is the number of goroutines executing instructions.
	// Zero means runtime.NumCPU().
	Workers int
	// DispatchRatePerSecond throttles dispatch. Zero means unlimited.
	DispatchRatePerSecond int
	// Metrics is optional
	Metrics *telemetry.Metrics
}

// access is one instruction's place in one object's queue
type access struct {
	instr   *Instruction
	object  *MirroredObject
	write   bool
	granted bool
}

// Scheduler dispatches instructions once their accesses are granted.
// Per object, accesses queue in submission order. Reads run together as long
// as no write is queued ahead of them; a write runs alone at the head of the
// queue.
type Scheduler struct {
	workers int
	limiter ratelimit.Limiter
	metrics *telemetry.Metrics

	mu          sync.Mutex
	cond        *sync.Cond
	queues      map[*MirroredObject][]*access
	waiting     map[*Instruction]struct{}
	ready       []*Instruction
	outstanding int
	idle        chan struct{}
	running     bool
	stopped     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. Call Start before expecting dispatch.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.DispatchRatePerSecond > 0 {
		limiter = ratelimit.New(cfg.DispatchRatePerSecond)
	}

	idle := make(chan struct{})
	close(idle)

	s := &Scheduler{
		workers: workers,
		limiter: limiter,
		metrics: cfg.Metrics,
		queues:  make(map[*MirroredObject][]*access),
		waiting: make(map[*Instruction]struct{}),
		idle:    idle,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker goroutines
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	for n := 0; n < s.workers; n++ {
		s.wg.Add(1)
		go s.worker(n)
	}

	log.Info().Int("workers", s.workers).Msg("Scheduler started")
	return nil
}

// Stop cancels running instructions, waits for the workers to exit and
// finishes every instruction that never ran with ErrStopped
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	abandoned := len(s.ready) + len(s.waiting)
	for _, instr := range s.ready {
		instr.finish(ErrStopped)
	}
	for instr := range s.waiting {
		instr.finish(ErrStopped)
	}
	s.ready = nil
	s.waiting = make(map[*Instruction]struct{})
	s.queues = make(map[*MirroredObject][]*access)
	s.outstanding = 0
	s.markIdleLocked()
	s.running = false
	s.mu.Unlock()

	log.Info().Int("abandoned", abandoned).Msg("Scheduler stopped")
}

// Submit queues an instruction. It is dispatched once no conflicting access
// submitted earlier is outstanding on any object it touches.
func (s *Scheduler) Submit(instr *Instruction) error {
	if instr == nil || instr.Exec == nil {
		return fmt.Errorf("vm: instruction has no body")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if instr.done != nil {
		return ErrAlreadySubmitted
	}

	instr.done = make(chan struct{})
	instr.submittedAt = time.Now()

	objs := instr.collectAccesses()
	instr.accesses = make([]*access, 0, len(objs))
	instr.pending = len(objs)
	for _, oa := range objs {
		a := &access{instr: instr, object: oa.object, write: oa.write}
		instr.accesses = append(instr.accesses, a)
		s.queues[oa.object] = append(s.queues[oa.object], a)
	}

	if s.outstanding == 0 {
		s.idle = make(chan struct{})
	}
	s.outstanding++

	if instr.pending == 0 {
		s.pushReadyLocked(instr)
		return nil
	}
	s.waiting[instr] = struct{}{}
	for _, a := range instr.accesses {
		s.grantLocked(a.object)
	}

	log.Debug().
		Str("instruction", instr.Name).
		Int("objects", len(objs)).
		Int("pending", instr.pending).
		Msg("Instruction submitted")
	return nil
}

// Wait blocks until every submitted instruction has completed or ctx is done
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outstanding returns the number of submitted instructions not yet completed
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// grantLocked grants every access on obj that the queue order allows
func (s *Scheduler) grantLocked(obj *MirroredObject) {
	for i, a := range s.queues[obj] {
		if a.write && i > 0 {
			return
		}
		if !a.granted {
			a.granted = true
			a.instr.pending--
			if a.instr.pending == 0 {
				delete(s.waiting, a.instr)
				s.pushReadyLocked(a.instr)
			}
		}
		if a.write {
			return
		}
	}
}

func (s *Scheduler) pushReadyLocked(instr *Instruction) {
	s.ready = append(s.ready, instr)
	s.cond.Signal()
}

func (s *Scheduler) markIdleLocked() {
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		instr := s.ready[0]
		s.ready[0] = nil
		s.ready = s.ready[1:]
		ctx := s.ctx
		s.mu.Unlock()

		s.limiter.Take()
		err := s.execute(ctx, instr)
		s.complete(instr, err)

		if err != nil {
			log.Warn().Err(err).Int("worker", id).Str("instruction", instr.Name).Msg("Instruction failed")
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, instr *Instruction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("instruction %s panicked: %v", instr.Name, r)
		}
	}()
	return instr.Exec(ctx)
}

// complete releases the instruction's accesses and wakes whatever they blocked
func (s *Scheduler) complete(instr *Instruction, err error) {
	// instruction names carry actor ids, so they stay out of metric attributes
	s.metrics.RecordInstruction(context.Background(), time.Since(instr.submittedAt), err != nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range instr.accesses {
		queue := s.queues[a.object]
		for i, q := range queue {
			if q == a {
				queue = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		if len(queue) == 0 {
			delete(s.queues, a.object)
			continue
		}
		s.queues[a.object] = queue
		s.grantLocked(a.object)
	}
	instr.accesses = nil
	instr.finish(err)
	s.outstanding--
	if s.outstanding == 0 {
		s.markIdleLocked()
	}
}
