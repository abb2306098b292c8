package bus

import (
	"context"
	"hash/fnv"
	"sync"
)

// Pool is a worker pool partitioned by key: one goroutine per partition, so
// messages sharing a key run sequentially and different keys run in parallel.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	parts  []chan Message
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines, each draining its own queue into handle
func NewPool(workers, queueSize int, handle func(Message)) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &Pool{parts: make([]chan Message, workers)}
	for i := range p.parts {
		ch := make(chan Message, queueSize)
		p.parts[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for msg := range ch {
				handle(msg)
			}
		}()
	}
	return p
}

// Partition returns the partition index for key
func (p *Pool) Partition(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.parts)))
}

// Submit enqueues msg on its key's partition, blocking while the partition
// is full
func (p *Pool) Submit(ctx context.Context, msg Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.parts[p.Partition(msg.Key)] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake and waits for queued messages to drain
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.parts {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
