package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// Handler processes one queue message. Returning an error leaves the
// message unacked; it reappears after the visibility timeout until the
// queue's max-receive count drops it.
type Handler func(ctx context.Context, msg *models.QueueMessage) error

// Pool runs one consumer goroutine per registered queue. A single consumer
// per queue keeps registration serialised on the analyze queue, which the
// accumulator's transaction retry budget depends on.
type Pool struct {
	queue        interfaces.QueueManager
	pollInterval time.Duration
	handlers     map[string]Handler
	logger       arbor.ILogger
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      bool
}

// NewPool creates a worker pool.
func NewPool(queue interfaces.QueueManager, pollInterval time.Duration, logger arbor.ILogger) *Pool {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:        queue,
		pollInterval: pollInterval,
		handlers:     make(map[string]Handler),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Register binds a handler to a queue. Must be called before Start.
func (p *Pool) Register(queueName string, handler Handler) {
	p.handlers[queueName] = handler
	p.logger.Debug().Str("queue", queueName).Msg("Queue handler registered")
}

// Start launches one consumer per registered queue.
func (p *Pool) Start() {
	if p.started {
		return
	}
	p.started = true

	for queueName, handler := range p.handlers {
		p.wg.Add(1)
		go p.consume(queueName, handler)
	}
	p.logger.Info().Int("queues", len(p.handlers)).Msg("Worker pool started")
}

// Stop cancels the consumers and waits for in-flight messages.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}

func (p *Pool) consume(queueName string, handler Handler) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().Str("queue", queueName).Msg("Consumer stopped")
			return
		case <-ticker.C:
			p.drain(queueName, handler)
		}
	}
}

// drain processes messages until the queue is empty or the pool stops.
func (p *Pool) drain(queueName string, handler Handler) {
	for {
		if p.ctx.Err() != nil {
			return
		}

		msg, ack, err := p.queue.Receive(p.ctx, queueName)
		if err != nil {
			if !errors.Is(err, models.ErrNoMessage) {
				p.logger.Warn().Err(err).Str("queue", queueName).Msg("Failed to receive message")
			}
			return
		}

		if err := handler(p.ctx, msg); err != nil {
			p.logger.Warn().
				Err(err).
				Str("queue", queueName).
				Str("type", msg.Type).
				Msg("Message handling failed, leaving for redelivery")
			continue
		}

		if err := ack(); err != nil {
			p.logger.Warn().Err(err).Str("queue", queueName).Msg("Failed to ack message")
		}
	}
}
