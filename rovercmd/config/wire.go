package config

import (
	"github.com/roverfleet/commandqueue/rovercmd/ack"
	"github.com/roverfleet/commandqueue/rovercmd/batch"
	"github.com/roverfleet/commandqueue/rovercmd/cancellation"
	"github.com/roverfleet/commandqueue/rovercmd/processor"
	"github.com/roverfleet/commandqueue/rovercmd/queue"
	"github.com/roverfleet/commandqueue/rovercore"
	"github.com/roverfleet/commandqueue/roverresilience"
	"github.com/roverfleet/commandqueue/rovertelemetry"
)

// Sinks bundles the cross-cutting ports every component Config accepts, so
// cmd/roverqueue builds them once and threads the same instances through
// every ToXConfig call below.
type Sinks struct {
	Logger rovercore.ComponentAwareLogger
	Events rovertelemetry.EventSink
	Audit  rovertelemetry.AuditSink
}

// ToQueueConfig builds the queue's runtime config. breaker is optional (may
// be nil, e.g. the in-memory deployment has no persistence to degrade on)
// and, when set, gates Enqueue per §7's degraded-state requirement.
func (c *Config) ToQueueConfig(s Sinks, throttle queue.RetryThrottle, breaker queue.PersistenceBreaker) queue.Config {
	q := queue.DefaultConfig()
	q.MaxQueueSize = c.Queue.MaxQueueSize
	q.MaxPerPriority = perPriority(c.Queue.MaxEmergency, c.Queue.MaxHigh, c.Queue.MaxNormal, c.Queue.MaxLow)
	q.StaleCommandTimeout = duration(c.Queue.StaleCommandTimeout, q.StaleCommandTimeout)
	q.CleanupInterval = duration(c.Queue.CleanupInterval, q.CleanupInterval)
	if throttle != nil {
		q.RetryThrottle = throttle
	}
	q.PersistenceBreaker = breaker
	q.Logger = s.Logger
	q.Events = s.Events
	return q
}

func (c *Config) ToAckConfig(s Sinks, onTimeout func(commandID string)) ack.Config {
	a := ack.DefaultConfig()
	a.AckTimeout = duration(c.Ack.AckTimeout, a.AckTimeout)
	a.MaxAckRetries = c.Ack.MaxAckRetries
	a.ResultCacheTTL = duration(c.Ack.ResultCacheTTL, a.ResultCacheTTL)
	a.MaxCachedResults = c.Ack.MaxCachedResults
	a.Backoff = roverresilience.DefaultBackoffConfig()
	a.Logger = s.Logger
	a.Events = s.Events
	a.OnTimeout = onTimeout
	return a
}

func (c *Config) ToProcessorConfig(s Sinks) processor.Config {
	p := processor.DefaultConfig()
	p.GlobalCap = c.Processor.GlobalCap
	p.PerPriorityCap = perPriority(c.Processor.CapEmergency, c.Processor.CapHigh, c.Processor.CapNormal, c.Processor.CapLow)
	p.DefaultExecutionTimeout = duration(c.Processor.DefaultExecutionTimeout, p.DefaultExecutionTimeout)
	p.MaxRetries = c.Processor.MaxRetries
	p.Logger = s.Logger
	p.Events = s.Events
	return p
}

func (c *Config) ToCancellationConfig(s Sinks) cancellation.Config {
	cc := cancellation.DefaultConfig()
	cc.CancellationTimeout = duration(c.Cancellation.CancellationTimeout, cc.CancellationTimeout)
	cc.HistoryLimit = c.Cancellation.HistoryLimit
	cc.Logger = s.Logger
	cc.Events = s.Events
	cc.Audit = s.Audit
	return cc
}

func (c *Config) ToBatchConfig(s Sinks) batch.Config {
	b := batch.DefaultConfig()
	b.MaxBatchSize = c.Batch.MaxBatchSize
	b.ParallelExecutionLimit = c.Batch.ParallelExecutionLimit
	b.MaxDependencyDepth = c.Batch.MaxDependencyDepth
	b.MemberTimeout = duration(c.Batch.MemberTimeout, b.MemberTimeout)
	b.PollInterval = duration(c.Batch.PollInterval, b.PollInterval)
	b.Logger = s.Logger
	b.Events = s.Events
	return b
}
