// Package workerpool runs tasks on a fixed set of goroutines. Results are
// gathered per Room so independent batches can share one pool.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

var (
	ErrPoolFull   = errors.New("workerpool: global buffer is full")
	ErrRoomFull   = errors.New("workerpool: room buffer is full")
	ErrPoolClosed = errors.New("workerpool: pool closed")
)

type Config struct {
	// WorkerCount defaults to three workers per CPU.
	WorkerCount int
	// GlobalBuffer is the task queue length. Defaults to 10000.
	GlobalBuffer int
}

type Pool struct {
	config Config
	tasks  chan func()

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
}

func New(config Config) *Pool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	p := &Pool{
		config: config,
		tasks:  make(chan func(), config.GlobalBuffer),
	}
	p.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for task := range p.tasks {
		task()
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.workers.Wait()
}

// Room collects the results of one batch. size bounds how many results may
// be pending before workers block, so it should cover the whole batch when
// results are only read through Collect.
type Room[T any] struct {
	pool    *Pool
	results chan T
	wg      sync.WaitGroup
}

func NewRoom[T any](p *Pool, size int) *Room[T] {
	if size < 1 {
		size = 1
	}
	return &Room[T]{
		pool:    p,
		results: make(chan T, size),
	}
}

// Submit queues job, waiting for a free slot in the pool.
func (r *Room[T]) Submit(job func() T) error {
	r.pool.mu.RLock()
	defer r.pool.mu.RUnlock()
	if r.pool.closed {
		return ErrPoolClosed
	}
	r.wg.Add(1)
	r.pool.tasks <- func() {
		defer r.wg.Done()
		r.results <- job()
	}
	return nil
}

// TrySubmit queues job unless the pool or the room is full.
func (r *Room[T]) TrySubmit(job func() T) error {
	if len(r.pool.tasks) == cap(r.pool.tasks) {
		return ErrPoolFull
	}
	if len(r.results) == cap(r.results) {
		return ErrRoomFull
	}
	return r.Submit(job)
}

// Collect waits for every submitted job and returns the results in
// completion order. The room must not be used afterwards.
func (r *Room[T]) Collect() []T {
	go func() {
		r.wg.Wait()
		close(r.results)
	}()

	results := make([]T, 0, cap(r.results))
	for res := range r.results {
		results = append(results, res)
	}
	return results
}
