package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// analysisPool runs message analyses detached from the request path on a
// fixed set of workers. Enqueue never blocks: when the queue is full the
// job is dropped and logged, so a stalled model can't stall requests.
type analysisPool struct {
	handler func(ctx context.Context, msg messageRecord)
	jobs    chan messageRecord
	log     zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	workers   int
	wg        sync.WaitGroup
}

func newAnalysisPool(handler func(ctx context.Context, msg messageRecord), workers, queueSize int, logger zerolog.Logger) *analysisPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &analysisPool{
		handler: handler,
		jobs:    make(chan messageRecord, queueSize),
		log:     logger,
		workers: workers,
	}
}

func (p *analysisPool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.work(ctx)
		}
	})
}

func (p *analysisPool) work(ctx context.Context) {
	defer p.wg.Done()
	for msg := range p.jobs {
		p.handler(ctx, msg)
	}
}

// Enqueue hands a message to the pool. Returns false when the queue is
// full; the drop is observable in the log but invisible to the caller.
func (p *analysisPool) Enqueue(msg messageRecord) bool {
	select {
	case p.jobs <- msg:
		return true
	default:
		p.log.Warn().Str("component", "analysis-pool").Str("message_id", msg.ID).Msg("analysis queue full, dropping job")
		return false
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (p *analysisPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}
