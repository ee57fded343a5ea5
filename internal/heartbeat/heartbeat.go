package heartbeat

import (
	"context"
	"time"

	"github.com/yanun0323/logs"

	"agentrunner/pkg/backoff"
)

const DefaultAttempts = 3

// Writer persists the liveness record of one agent.
type Writer interface {
	WriteHeartbeat(ctx context.Context, agentID, owner string, at time.Time) error
	ClearHeartbeat(ctx context.Context, agentID string) error
}

// Publisher writes heartbeats to every configured writer with bounded retry.
// It never returns errors; callers only learn whether every write landed.
type Publisher struct {
	writers  []Writer
	owner    string
	attempts int
	backoff  backoff.Backoff
	now      func() time.Time
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithAttempts caps the tries per write.
func WithAttempts(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithBackoff overrides the retry delays.
func WithBackoff(b backoff.Backoff) Option {
	return func(p *Publisher) { p.backoff = b }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// NewPublisher creates a publisher stamping owner on every record.
func NewPublisher(owner string, writers []Writer, opts ...Option) *Publisher {
	p := &Publisher{
		writers:  writers,
		owner:    owner,
		attempts: DefaultAttempts,
		backoff:  backoff.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Owner returns the instance id stamped on records.
func (p *Publisher) Owner() string {
	if p == nil {
		return ""
	}
	return p.owner
}

// SendInitial records that the agent started on this instance.
func (p *Publisher) SendInitial(ctx context.Context, agentID string) bool {
	return p.Beat(ctx, agentID)
}

// Beat records a cycle boundary.
func (p *Publisher) Beat(ctx context.Context, agentID string) bool {
	if p == nil {
		return false
	}
	at := p.now()
	ok := true
	for _, w := range p.writers {
		err := backoff.Retry(ctx, p.attempts, p.backoff, func(ctx context.Context) error {
			return w.WriteHeartbeat(ctx, agentID, p.owner, at)
		})
		if err != nil {
			logs.Warnf("[heartbeat] write failed agent=%s instance=%s, err: %+v", agentID, p.owner, err)
			ok = false
		}
	}
	return ok
}

// Clear removes the record on graceful stop.
func (p *Publisher) Clear(ctx context.Context, agentID string) bool {
	if p == nil {
		return false
	}
	ok := true
	for _, w := range p.writers {
		err := backoff.Retry(ctx, p.attempts, p.backoff, func(ctx context.Context) error {
			return w.ClearHeartbeat(ctx, agentID)
		})
		if err != nil {
			logs.Warnf("[heartbeat] clear failed agent=%s instance=%s, err: %+v", agentID, p.owner, err)
			ok = false
		}
	}
	return ok
}
