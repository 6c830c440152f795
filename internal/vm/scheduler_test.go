package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/actorvm/internal/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// recorder keeps the order of start and end events across workers
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) exec(name string, d time.Duration) ExecFunc {
	return func(ctx context.Context) error {
		r.add(name + ".start")
		time.Sleep(d)
		r.add(name + ".end")
		return nil
	}
}

func indexOf(events []string, ev string) int {
	for i, e := range events {
		if e == ev {
			return i
		}
	}
	return -1
}

func startScheduler(t *testing.T, workers int) *Scheduler {
	t.Helper()
	s := NewScheduler(SchedulerConfig{Workers: workers})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func waitDone(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestSchedulerReadersRunConcurrently(t *testing.T) {
	s := startScheduler(t, 2)
	dep := NewLocalDepObject("t")

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	reader := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("reader was not released")
		}
	}

	r1 := NewInstruction("r1", reader, NewBlobAccessOperand(dep, ModifierConst))
	r2 := NewInstruction("r2", reader, NewBlobAccessOperand(dep, ModifierConst))
	require.NoError(t, s.Submit(r1))
	require.NoError(t, s.Submit(r2))

	// Both readers must be inside their body at the same time
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("readers did not run concurrently")
		}
	}
	close(release)

	waitDone(t, s)
	assert.NoError(t, r1.Err())
	assert.NoError(t, r2.Err())
}

func TestSchedulerWriterIsExclusive(t *testing.T) {
	s := startScheduler(t, 4)
	dep := NewLocalDepObject("t")
	rec := &recorder{}

	require.NoError(t, s.Submit(NewInstruction("r1", rec.exec("r1", 20*time.Millisecond), NewBlobAccessOperand(dep, ModifierConst))))
	require.NoError(t, s.Submit(NewInstruction("w", rec.exec("w", 20*time.Millisecond), NewBlobAccessOperand(dep, ModifierMut))))
	require.NoError(t, s.Submit(NewInstruction("r2", rec.exec("r2", 0), NewBlobAccessOperand(dep, ModifierConst))))
	waitDone(t, s)

	ev := rec.snapshot()
	require.Len(t, ev, 6)
	assert.Less(t, indexOf(ev, "r1.end"), indexOf(ev, "w.start"), "write waits for the earlier read")
	assert.Less(t, indexOf(ev, "w.end"), indexOf(ev, "r2.start"), "later read waits for the write")
}

func TestSchedulerWritesKeepSubmissionOrder(t *testing.T) {
	s := startScheduler(t, 4)
	dep := NewLocalDepObject("t")
	rec := &recorder{}

	names := []string{"w1", "w2", "w3", "w4"}
	for _, name := range names {
		mod := ModifierMut
		if name == "w3" {
			mod = ModifierMut2
		}
		require.NoError(t, s.Submit(NewInstruction(name, rec.exec(name, time.Millisecond), NewBlobAccessOperand(dep, mod))))
	}
	waitDone(t, s)

	assert.Equal(t, []string{
		"w1.start", "w1.end",
		"w2.start", "w2.end",
		"w3.start", "w3.end",
		"w4.start", "w4.end",
	}, rec.snapshot())
}

func TestSchedulerIndependentObjectsDoNotBlock(t *testing.T) {
	s := startScheduler(t, 2)
	a := NewLocalDepObject("a")
	b := NewLocalDepObject("b")

	release := make(chan struct{})
	blocker := NewInstruction("wa", func(ctx context.Context) error {
		<-release
		return nil
	}, NewBlobAccessOperand(a, ModifierMut))
	other := NewInstruction("wb", func(ctx context.Context) error { return nil }, NewBlobAccessOperand(b, ModifierMut))

	require.NoError(t, s.Submit(blocker))
	require.NoError(t, s.Submit(other))

	select {
	case <-other.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("write on another object was blocked")
	}
	close(release)
	waitDone(t, s)
}

func TestSchedulerMultiOperandInstruction(t *testing.T) {
	s := startScheduler(t, 4)
	x := NewLocalDepObject("x")
	y := NewLocalDepObject("y")
	rec := &recorder{}

	// y = f(x) must wait for the write to x, and the read of y waits for it
	require.NoError(t, s.Submit(NewInstruction("wx", rec.exec("wx", 10*time.Millisecond), NewBlobAccessOperand(x, ModifierMut))))
	require.NoError(t, s.Submit(NewInstruction("f", rec.exec("f", 10*time.Millisecond),
		NewEagerBlobOperand([]*LocalDepObject{x}, []*LocalDepObject{y}, nil))))
	require.NoError(t, s.Submit(NewInstruction("ry", rec.exec("ry", 0), NewBlobAccessOperand(y, ModifierConst))))
	waitDone(t, s)

	ev := rec.snapshot()
	assert.Less(t, indexOf(ev, "wx.end"), indexOf(ev, "f.start"))
	assert.Less(t, indexOf(ev, "f.end"), indexOf(ev, "ry.start"))
}

func TestSchedulerReportsErrors(t *testing.T) {
	s := startScheduler(t, 1)
	boom := errors.New("kernel failed")

	failing := NewInstruction("fail", func(ctx context.Context) error { return boom })
	panicking := NewInstruction("panic", func(ctx context.Context) error { panic("bad kernel") })
	require.NoError(t, s.Submit(failing))
	require.NoError(t, s.Submit(panicking))
	waitDone(t, s)

	assert.ErrorIs(t, failing.Err(), boom)
	require.Error(t, panicking.Err())
	assert.Contains(t, panicking.Err().Error(), "bad kernel")
	assert.Equal(t, 0, s.Outstanding())
}

func TestSchedulerMetricsIgnoreInstructionNames(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	m, err := telemetry.NewMetricsWithProvider(provider)
	require.NoError(t, err)

	s := NewScheduler(SchedulerConfig{Workers: 2, Metrics: m})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	const actors = 50
	for i := 0; i < actors; i++ {
		name := fmt.Sprintf("actor-%d/Call", i)
		require.NoError(t, s.Submit(NewInstruction(name, func(ctx context.Context) error { return nil })))
	}
	waitDone(t, s)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	seen := 0
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				if metric.Name == "actorvm.vm.dispatched" {
					require.Len(t, data.DataPoints, 1, "one series regardless of actor count")
					assert.Equal(t, int64(actors), data.DataPoints[0].Value)
					assert.Zero(t, data.DataPoints[0].Attributes.Len())
					seen++
				}
			case metricdata.Histogram[float64]:
				if metric.Name == "actorvm.vm.latency" {
					require.Len(t, data.DataPoints, 1)
					assert.Equal(t, uint64(actors), data.DataPoints[0].Count)
					seen++
				}
			}
		}
	}
	assert.Equal(t, 2, seen)
}

func TestSchedulerSubmitValidation(t *testing.T) {
	s := startScheduler(t, 1)

	assert.Error(t, s.Submit(nil))
	assert.Error(t, s.Submit(NewInstruction("no-body", nil)))

	instr := NewInstruction("once", func(ctx context.Context) error { return nil })
	require.NoError(t, s.Submit(instr))
	assert.ErrorIs(t, s.Submit(instr), ErrAlreadySubmitted)
	waitDone(t, s)
}

func TestSchedulerSubmitBeforeStart(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Workers: 1})
	defer s.Stop()

	instr := NewInstruction("early", func(ctx context.Context) error { return nil })
	require.NoError(t, s.Submit(instr))
	assert.Equal(t, 1, s.Outstanding())

	require.NoError(t, s.Start())
	waitDone(t, s)
	assert.NoError(t, instr.Err())
}

func TestSchedulerWaitHonoursContext(t *testing.T) {
	s := startScheduler(t, 1)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, s.Submit(NewInstruction("slow", func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestSchedulerStopAbandonsBlockedWork(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Workers: 1})
	require.NoError(t, s.Start())
	dep := NewLocalDepObject("t")

	running := make(chan struct{})
	first := NewInstruction("first", func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}, NewBlobAccessOperand(dep, ModifierMut))
	second := NewInstruction("second", func(ctx context.Context) error { return nil }, NewBlobAccessOperand(dep, ModifierMut))

	require.NoError(t, s.Submit(first))
	require.NoError(t, s.Submit(second))
	<-running

	s.Stop()

	<-first.Done()
	<-second.Done()
	assert.ErrorIs(t, first.Err(), context.Canceled)
	assert.ErrorIs(t, second.Err(), ErrStopped)

	assert.ErrorIs(t, s.Submit(NewInstruction("late", func(ctx context.Context) error { return nil })), ErrStopped)
	assert.ErrorIs(t, s.Start(), ErrStopped)
	assert.NoError(t, s.Wait(context.Background()))
}

func TestSchedulerRateLimited(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Workers: 2, DispatchRatePerSecond: 100})
	require.NoError(t, s.Start())
	defer s.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Submit(NewInstruction("tick", func(ctx context.Context) error { return nil })))
	}
	waitDone(t, s)
	assert.Equal(t, 0, s.Outstanding())
}
