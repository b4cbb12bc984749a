// Package actor supervises the gateway's long-lived loops. Every actor
// owns its state, consumes a single inbox channel and shares no memory
// with its peers; the supervisor restarts a loop with fresh state when
// it panics.
package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Supervisor restarts actor loops that panic or exit early. Loop state
// must be allocated inside the loop function so every incarnation
// starts from a clean slate; inbox channels are created outside and
// survive restarts.
type Supervisor struct {
	log      zerolog.Logger
	restarts *prometheus.CounterVec
	delay    time.Duration
	wg       sync.WaitGroup
}

func NewSupervisor(log zerolog.Logger, restarts *prometheus.CounterVec) *Supervisor {
	return &Supervisor{
		log:      log,
		restarts: restarts,
		delay:    time.Second,
	}
}

// Go spawns loop under supervision. The loop runs until ctx is
// cancelled; a panic or premature return is counted and the loop is
// started again after a short delay.
func (s *Supervisor) Go(ctx context.Context, name string, loop func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			err := s.run(ctx, name, loop)
			if ctx.Err() != nil {
				s.log.Debug().Str("actor", name).Msg("actor stopped")
				return
			}
			if err == nil {
				err = errors.New("loop exited unexpectedly")
			}
			s.restarts.WithLabelValues(name).Inc()
			s.log.Error().Err(err).Str("actor", name).Dur("delay", s.delay).Msg("restarting actor")
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return
			}
		}
	}()
}

// run executes one incarnation of the loop, converting a panic into an
// error after logging the stack.
func (s *Supervisor) run(ctx context.Context, name string, loop func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("actor", name).
				Str("stack", string(debug.Stack())).
				Msg("actor panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return loop(ctx)
}

// Wait blocks until every supervised loop has observed cancellation
// and returned.
func (s *Supervisor) Wait() { s.wg.Wait() }
