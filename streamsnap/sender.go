// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package streamsnap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/rejoin/mailbox"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var ErrSenderClosed = errors.New("snapshot sender closed")

// SenderConfig configures the shared block sender.
type SenderConfig struct {
	// QueueSize bounds the outbound block queue shared by all targets.
	QueueSize int
	// SendTimeout bounds a single fabric write.
	SendTimeout time.Duration
	// RateBytes limits the outbound byte rate. Zero disables limiting.
	RateBytes int
	// BurstBytes is the limiter bucket size.
	BurstBytes int
	// FailureThreshold is the number of consecutive send failures that open
	// the breaker of a destination.
	FailureThreshold uint32
	// ResetTimeout is how long an open breaker rejects sends before probing.
	ResetTimeout time.Duration
}

// DefaultSenderConfig returns the default sender settings.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		QueueSize:        1024,
		SendTimeout:      30 * time.Second,
		BurstBytes:       4 << 20,
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
	}
}

type outbound struct {
	from    mailbox.HSId
	to      mailbox.HSId
	data    []byte
	onError func(error)
}

// SenderStats reports sender throughput.
type SenderStats struct {
	Sent   uint64
	Failed uint64
	Bytes  uint64
	Queued int
}

// Sender is the single worker writing encoded blocks of every target to the
// fabric. Blocks leave in enqueue order, so per-destination order is kept.
type Sender struct {
	fabric  mailbox.Fabric
	cfg     SenderConfig
	queue   chan outbound
	limiter *rate.Limiter
	logger  *slog.Logger

	// Owned by the worker goroutine.
	breakers map[mailbox.HSId]*gobreaker.CircuitBreaker

	sent   atomic.Uint64
	failed atomic.Uint64
	bytes  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender starts a sender writing through fabric.
func NewSender(fabric mailbox.Fabric, cfg SenderConfig, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultSenderConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.BurstBytes <= 0 {
		cfg.BurstBytes = def.BurstBytes
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		fabric:   fabric,
		cfg:      cfg,
		queue:    make(chan outbound, cfg.QueueSize),
		logger:   logger,
		breakers: make(map[mailbox.HSId]*gobreaker.CircuitBreaker),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.RateBytes > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateBytes), cfg.BurstBytes)
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Close stops the worker. Blocks still queued are reported as failed to
// their targets.
func (s *Sender) Close() {
	s.cancel()
	s.wg.Wait()
}

// Stats returns a snapshot of sender counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Sent:   s.sent.Load(),
		Failed: s.failed.Load(),
		Bytes:  s.bytes.Load(),
		Queued: len(s.queue),
	}
}

func (s *Sender) enqueue(ctx context.Context, out outbound) error {
	select {
	case s.queue <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSenderClosed
	}
}

func (s *Sender) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case out := <-s.queue:
			s.send(out)
		}
	}
}

func (s *Sender) drain() {
	for {
		select {
		case out := <-s.queue:
			s.failed.Add(1)
			if out.onError != nil {
				out.onError(ErrSenderClosed)
			}
		default:
			return
		}
	}
}

func (s *Sender) send(out outbound) {
	cb := s.breaker(out.to)

	_, err := cb.Execute(func() (interface{}, error) {
		if err := s.throttle(len(out.data)); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendTimeout)
		defer cancel()
		return nil, s.fabric.Send(ctx, out.from, []mailbox.HSId{out.to}, out.data)
	})
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("snapshot block send failed",
			slog.String("from", out.from.String()),
			slog.String("to", out.to.String()),
			slog.String("error", err.Error()))
		if out.onError != nil {
			out.onError(err)
		}
		return
	}

	s.sent.Add(1)
	s.bytes.Add(uint64(len(out.data)))
}

// throttle waits for n bytes worth of tokens, in burst-sized steps.
func (s *Sender) throttle(n int) error {
	if s.limiter == nil {
		return nil
	}
	for n > 0 {
		step := n
		if step > s.cfg.BurstBytes {
			step = s.cfg.BurstBytes
		}
		if err := s.limiter.WaitN(s.ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (s *Sender) breaker(to mailbox.HSId) *gobreaker.CircuitBreaker {
	if cb, ok := s.breakers[to]; ok {
		return cb
	}

	threshold := s.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        to.String(),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     s.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warn("snapshot sender circuit breaker state changed",
				slog.String("destination", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	s.breakers[to] = cb
	return cb
}
