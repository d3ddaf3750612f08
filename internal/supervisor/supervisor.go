// Package supervisor implements the supervisor:
// startup validation and indexing of chain configuration, per-chain
// runtime lifecycle, and graceful drain on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/conserver/internal/chain"
	"github.com/oriys/conserver/internal/dlqmgr"
	"github.com/oriys/conserver/internal/link"
	"github.com/oriys/conserver/internal/logging"
	"github.com/oriys/conserver/internal/queue"
	"github.com/oriys/conserver/internal/runtime"
	"github.com/oriys/conserver/internal/storage"
	"github.com/oriys/conserver/internal/tracer"
	"github.com/oriys/conserver/internal/vcon"
)

// Config configures the supervisor's lifecycle behavior.
type Config struct {
	// ShutdownGrace bounds how long Stop waits for in-flight WorkItems to
	// complete before forcing termination.
	ShutdownGrace time.Duration
	// AutoRestart restarts a chain runtime whose worker loop exits
	// unexpectedly, gated by exponential backoff with a ceiling.
	AutoRestart       bool
	RestartBackoffMin time.Duration
	RestartBackoffMax time.Duration
}

// Supervisor owns every chain runtime's lifecycle.
type Supervisor struct {
	cfg      Config
	q        queue.Substrate
	vcons    *vcon.Store
	dlq      *dlqmgr.Manager
	runtimes []*runtime.Runtime

	mu       sync.Mutex
	stopping atomic.Bool
}

// New validates chainConfigs (ingress uniqueness, then resolves every
// link/storage/tracer name against its registry — fail fast on unknown
// names) and builds a Supervisor ready to Start. Only enabled chains are
// indexed; disabled chains are skipped entirely.
func New(cfg Config, chainConfigs []chain.Config, q queue.Substrate, links *link.Registry, storages *storage.Registry, tracers *tracer.Registry) (*Supervisor, error) {
	if err := chain.ValidateIngressUniqueness(chainConfigs); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	vcons := vcon.NewStore(q)
	dlq := dlqmgr.New(q)

	var runtimes []*runtime.Runtime
	for _, cc := range chainConfigs {
		if !cc.Enabled {
			continue
		}
		resolved, err := chain.Resolve(cc, links, storages, tracers)
		if err != nil {
			return nil, fmt.Errorf("supervisor: %w", err)
		}
		runtimes = append(runtimes, runtime.New(resolved, q, vcons, dlq))
	}

	return &Supervisor{cfg: cfg, q: q, vcons: vcons, dlq: dlq, runtimes: runtimes}, nil
}

// Start spawns every enabled chain's runtime. Returns once all runtimes
// report ready (their worker goroutines have been launched).
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.runtimes {
		rt.Start()
		if s.cfg.AutoRestart {
			go s.watch(rt)
		}
	}
	logging.Op().Info("supervisor started", "chains", len(s.runtimes))
}

// watch restarts rt with exponential backoff whenever its worker pool
// drains (stopCh closed) while the supervisor itself hasn't been asked to
// stop — i.e. something other than a deliberate Stop() call ended it.
func (s *Supervisor) watch(rt *runtime.Runtime) {
	attempt := 0
	for {
		rt.Wait(context.Background())
		if s.stopping.Load() {
			return
		}
		attempt++
		backoff := restartBackoff(attempt, s.cfg.RestartBackoffMin, s.cfg.RestartBackoffMax)
		logging.Op().Warn("chain runtime exited, restarting", "chain", rt.Name(), "attempt", attempt, "backoff", backoff)
		time.Sleep(backoff)
		rt.Start()
	}
}

func restartBackoff(attempt int, min, max time.Duration) time.Duration {
	if min <= 0 {
		min = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := time.Duration(float64(min) * math.Pow(2, float64(attempt-1)))
	if d > max {
		d = max
	}
	return d
}

// Stop signals every runtime to stop accepting new work, waits up to
// ShutdownGrace for in-flight WorkItems to reach a terminal state, then
// forces termination of any WorkItem still running: its context is
// cancelled and its UUID is pushed back to the head of the ingress list it
// came from, so it is picked up ahead of anything admitted since rather
// than lost.
func (s *Supervisor) Stop() {
	s.stopping.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rt := range s.runtimes {
		rt.Stop()
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var wg sync.WaitGroup
	for _, rt := range s.runtimes {
		wg.Add(1)
		go func(rt *runtime.Runtime) {
			defer wg.Done()
			if err := rt.Wait(ctx); err != nil {
				requeueCtx, requeueCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer requeueCancel()
				requeued := rt.Abandon(requeueCtx)
				logging.Op().Warn("chain runtime did not drain before grace period, forcing termination", "chain", rt.Name(), "error", err, "requeued", requeued)
			}
		}(rt)
	}
	wg.Wait()
	logging.Op().Info("supervisor stopped")
}

// VconStore returns the shared V view, for callers (e.g. ingress) that
// need direct access outside a chain run.
func (s *Supervisor) VconStore() *vcon.Store { return s.vcons }

// DLQ returns the shared DLQ manager.
func (s *Supervisor) DLQ() *dlqmgr.Manager { return s.dlq }

// Runtimes returns the supervised chain runtimes, for health reporting.
func (s *Supervisor) Runtimes() []*runtime.Runtime { return s.runtimes }
