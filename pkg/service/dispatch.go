package service

import (
	"context"
	"sync"
)

// NotifierPool fans notifications out to a sink on background workers.
// Delivery is best-effort: a full queue drops the notification with a log
// line rather than blocking the caller, so the engine and hold gate never
// wait on the notification collaborator.
type NotifierPool struct {
	sink   Notifier
	logger Logger
	ch     chan Notification
	warnAt int // queue depth that triggers a capacity warning
	ctx    context.Context
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewNotifierPool wraps sink with an async queue. warnPct is the queue fill
// percentage (0-100) past which enqueueing logs a capacity warning.
func NewNotifierPool(ctx context.Context, sink Notifier, logger Logger, workers, queueSize, warnPct int) *NotifierPool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if warnPct <= 0 || warnPct > 100 {
		warnPct = 90
	}
	p := &NotifierPool{
		sink:   sink,
		logger: logger,
		ch:     make(chan Notification, queueSize),
		warnAt: queueSize * warnPct / 100,
		ctx:    ctx,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *NotifierPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case n, ok := <-p.ch:
			if !ok {
				return
			}
			if err := p.sink.Notify(n); err != nil {
				p.logger.Errorf("Notification for batch %d failed: %v", n.BatchID, err)
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// Notify implements Notifier. It never blocks and never returns an error for
// a full queue; the drop is logged instead.
func (p *NotifierPool) Notify(n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warnf("Notifier pool stopped, dropping notification for batch %d", n.BatchID)
		return nil
	}
	if depth := len(p.ch); depth >= p.warnAt {
		p.logger.Warnf("Notification queue at %d/%d", depth, cap(p.ch))
	}
	select {
	case p.ch <- n:
	default:
		p.logger.Warnf("Notification queue full, dropping notification for batch %d", n.BatchID)
	}
	return nil
}

// Stop drains the queue and waits for the workers to finish.
func (p *NotifierPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()
	p.wg.Wait()
}
