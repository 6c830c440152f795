package rdma

import "sync"

// completionQueue hands completions to a consumer without ever blocking the
// producer. A pump goroutine feeds the unbounded backlog into out.
type completionQueue struct {
	mu      sync.Mutex
	backlog []WorkCompletion
	notify  chan struct{}
	done    chan struct{}
	out     chan WorkCompletion
	once    sync.Once
}

func newCompletionQueue() *completionQueue {
	cq := &completionQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan WorkCompletion),
	}
	go cq.pump()
	return cq
}

func (cq *completionQueue) push(wc WorkCompletion) {
	cq.mu.Lock()
	cq.backlog = append(cq.backlog, wc)
	cq.mu.Unlock()

	select {
	case cq.notify <- struct{}{}:
	default:
	}
}

func (cq *completionQueue) close() {
	cq.once.Do(func() { close(cq.done) })
}

func (cq *completionQueue) pump() {
	defer close(cq.out)
	for {
		cq.mu.Lock()
		if len(cq.backlog) == 0 {
			cq.mu.Unlock()
			select {
			case <-cq.notify:
				continue
			case <-cq.done:
				return
			}
		}
		wc := cq.backlog[0]
		cq.backlog = cq.backlog[1:]
		cq.mu.Unlock()

		select {
		case cq.out <- wc:
		case <-cq.done:
			return
		}
	}
}
