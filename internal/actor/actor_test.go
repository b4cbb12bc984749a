package actor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor() (*Supervisor, *prometheus.CounterVec) {
	restarts := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_actor_restarts_total"},
		[]string{"actor"},
	)
	sup := NewSupervisor(zerolog.Nop(), restarts)
	sup.delay = time.Millisecond
	return sup, restarts
}

func TestSupervisor_RestartsPanickedLoopWithFreshState(t *testing.T) {
	sup, restarts := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	ready := make(chan struct{})
	sup.Go(ctx, "flaky", func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			panic("boom")
		}
		close(ready)
		<-ctx.Done()
		return nil
	})

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("loop never recovered from panics")
	}
	cancel()
	sup.Wait()

	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, float64(2), testutil.ToFloat64(restarts.WithLabelValues("flaky")))
}

func TestSupervisor_RestartsLoopThatExitsEarly(t *testing.T) {
	sup, _ := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	ready := make(chan struct{})
	sup.Go(ctx, "quitter", func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			return nil
		}
		close(ready)
		<-ctx.Done()
		return nil
	})

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("loop was not restarted")
	}
	cancel()
	sup.Wait()
}

func TestSupervisor_StopsCleanlyOnCancel(t *testing.T) {
	sup, restarts := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	var attempts atomic.Int32
	sup.Go(ctx, "steady", func(ctx context.Context) error {
		attempts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	time.Sleep(10 * time.Millisecond)
	cancel()
	sup.Wait()

	require.Equal(t, int32(1), attempts.Load())
	require.Equal(t, float64(0), testutil.ToFloat64(restarts.WithLabelValues("steady")))
}
