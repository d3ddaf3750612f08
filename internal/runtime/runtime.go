// Package runtime implements the chain runtime: a
// per-chain pool of worker goroutines that blocking-pop UUIDs from the
// chain's ingress lists and drive them through the link/storage/egress/
// tracer pipeline. The Start/Stop/worker-goroutine shape follows the
// domain stack's asyncqueue worker pool, generalized from DB-polled async
// invocations to queue-substrate-polled chain runs.
package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oriys/conserver/internal/chain"
	"github.com/oriys/conserver/internal/dlqmgr"
	"github.com/oriys/conserver/internal/link"
	"github.com/oriys/conserver/internal/logging"
	"github.com/oriys/conserver/internal/metrics"
	"github.com/oriys/conserver/internal/pipeerr"
	"github.com/oriys/conserver/internal/queue"
	"github.com/oriys/conserver/internal/tracer"
	"github.com/oriys/conserver/internal/vcon"
)

const popTimeout = 1 * time.Second // short poll timeout so shutdown stays responsive

// inflightItem tracks one WorkItem a worker goroutine currently holds, so a
// forced shutdown can cancel its context and requeue it.
type inflightItem struct {
	ingress string
	uuid    string
	cancel  context.CancelFunc
}

// Runtime drives one chain's worker pool.
type Runtime struct {
	resolved *chain.Resolved
	q        queue.Substrate
	vcons    *vcon.Store
	dlq      *dlqmgr.Manager

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool

	inflightMu sync.Mutex
	inflight   map[int]*inflightItem
}

// New creates a Runtime for a resolved chain configuration.
func New(resolved *chain.Resolved, q queue.Substrate, vcons *vcon.Store, dlq *dlqmgr.Manager) *Runtime {
	return &Runtime{
		resolved: resolved,
		q:        q,
		vcons:    vcons,
		dlq:      dlq,
		stopCh:   make(chan struct{}),
		inflight: make(map[int]*inflightItem),
	}
}

// Name returns the underlying chain's name.
func (r *Runtime) Name() string { return r.resolved.Config.Name }

// Start launches the chain's worker goroutines. Returns once every worker goroutine has been spawned.
func (r *Runtime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	n := r.resolved.Config.WorkerCount()
	for i := 0; i < n; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	if m := metrics.Global(); m != nil {
		m.SetActiveWorkers(r.Name(), n)
	}
	logging.Op().Info("chain runtime started", "chain", r.Name(), "workers", n, "ingress", r.resolved.Config.IngressLists)
}

// Stop signals every worker to finish its current WorkItem and exit. It
// returns without waiting for them; Wait blocks until they have returned.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stopCh)
	r.mu.Unlock()
}

// Wait blocks until every worker goroutine has exited or ctx is done,
// whichever comes first. Returns ctx.Err() on timeout, in which case
// workers may still be mid-flight (the supervisor force-terminates via
// Abandon).
func (r *Runtime) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abandon force-terminates every WorkItem still in flight: it cancels each
// one's context, so link/storage code that honors ctx unwinds promptly, and
// pushes the UUID back to the head of the ingress list it came from so it is
// picked up ahead of anything admitted since rather than lost. It returns
// the UUIDs it requeued, for the caller to log. The worker goroutine that
// was running an abandoned WorkItem may keep running in the background
// until its own call stack notices ctx is done; Abandon does not wait for
// that.
func (r *Runtime) Abandon(ctx context.Context) []string {
	r.inflightMu.Lock()
	items := make([]*inflightItem, 0, len(r.inflight))
	for _, item := range r.inflight {
		items = append(items, item)
	}
	r.inflightMu.Unlock()

	var requeued []string
	for _, item := range items {
		item.cancel()
		if err := r.q.PushLeft(ctx, item.ingress, item.uuid); err != nil {
			logging.Op().Error("failed to requeue abandoned work item", "chain", r.Name(), "uuid", item.uuid, "ingress", item.ingress, "error", err)
			continue
		}
		requeued = append(requeued, item.uuid)
	}
	return requeued
}

func (r *Runtime) worker(id int) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		ctx := context.Background()
		list, uuid, err := r.q.BlockingPopLeft(ctx, r.resolved.Config.IngressLists, popTimeout)
		if err == queue.ErrEmpty {
			continue
		}
		if err != nil {
			logging.Op().Error("blocking pop failed", "chain", r.Name(), "worker", id, "error", err)
			continue
		}

		r.runWorkItemTracked(id, list, uuid)
	}
}

// runWorkItemTracked registers uuid as in flight on ingress before running
// it, so a concurrent Abandon can cancel it and requeue it, and clears the
// registration once runWorkItem returns on its own.
func (r *Runtime) runWorkItemTracked(id int, ingress, uuid string) {
	itemCtx, cancel := context.WithCancel(context.Background())
	item := &inflightItem{ingress: ingress, uuid: uuid, cancel: cancel}

	r.inflightMu.Lock()
	r.inflight[id] = item
	r.inflightMu.Unlock()

	defer func() {
		r.inflightMu.Lock()
		delete(r.inflight, id)
		r.inflightMu.Unlock()
		cancel()
	}()

	r.runWorkItem(itemCtx, ingress, uuid)
}

// runWorkItem executes one WorkItem end to end. base is cancelled if the
// supervisor force-terminates the runtime while this WorkItem is still
// running.
func (r *Runtime) runWorkItem(base context.Context, ingress, uuid string) {
	cfg := r.resolved.Config
	start := time.Now()

	ctx := base
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var linksRun []tracer.LinkOutcome
	outcome := "success"

	doc, err := r.vcons.Get(ctx, uuid)
	if err != nil {
		r.dlqFail(ctx, ingress, uuid, pipeerr.New(pipeerr.ReasonVconNotFound, err), linksRun, start, "vcon_not_found")
		return
	}
	_ = doc

	for _, binding := range r.resolved.Links {
		linkStart := time.Now()
		linkCtx := ctx
		var cancel context.CancelFunc
		if timeoutMs, ok := binding.Options["timeout_ms"].(int); ok && timeoutMs > 0 {
			linkCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		} else if cfg.LinkTimeout > 0 {
			linkCtx, cancel = context.WithTimeout(ctx, cfg.LinkTimeout)
		}

		result := r.runLink(linkCtx, binding, uuid)
		if cancel != nil {
			cancel()
		}
		durationMs := time.Since(linkStart).Milliseconds()

		switch {
		case result.IsContinue():
			linksRun = append(linksRun, tracer.LinkOutcome{LinkName: binding.Name, DurationMs: durationMs, Outcome: "continue"})
			if m := metrics.Global(); m != nil {
				m.RecordLinkOutcome(cfg.Name, binding.Name, "continue")
			}
		case result.IsFilter():
			linksRun = append(linksRun, tracer.LinkOutcome{LinkName: binding.Name, DurationMs: durationMs, Outcome: "filter"})
			if m := metrics.Global(); m != nil {
				m.RecordLinkOutcome(cfg.Name, binding.Name, "filter")
				m.RecordChainRun(cfg.Name, "filtered", time.Since(start).Milliseconds())
			}
			r.notifyTracers(ctx, uuid, linksRun, start, "filtered")
			return
		case result.IsFail():
			linksRun = append(linksRun, tracer.LinkOutcome{LinkName: binding.Name, DurationMs: durationMs, Outcome: "fail"})
			if m := metrics.Global(); m != nil {
				m.RecordLinkOutcome(cfg.Name, binding.Name, "fail")
			}
			reason := pipeerr.ReasonLinkFailure
			if errors.Is(linkCtx.Err(), context.DeadlineExceeded) {
				reason = pipeerr.ReasonLinkTimeout
			}
			r.dlqFail(ctx, ingress, uuid, pipeerr.NewLink(reason, binding.Name, result.Err()), linksRun, start, string(reason))
			return
		}
	}

	if !r.storageFanOut(ctx, uuid) {
		r.dlqFail(ctx, ingress, uuid, pipeerr.New(pipeerr.ReasonStorageFailure, errors.New("one or more storages failed")), linksRun, start, "storage_failure")
		return
	}

	r.pushEgress(ctx, uuid)
	_ = outcome

	if m := metrics.Global(); m != nil {
		m.RecordChainRun(cfg.Name, "success", time.Since(start).Milliseconds())
	}
	r.notifyTracers(ctx, uuid, linksRun, start, "success")
}

func (r *Runtime) runLink(ctx context.Context, binding chain.LinkBinding, uuid string) (result link.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			result = link.Fail(errorFromRecover(rec))
		}
	}()
	return binding.Callable.Run(ctx, uuid, binding.Name, binding.Options)
}

func errorFromRecover(rec any) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return errors.New("link panicked")
}

// storageFanOut saves uuid to every configured storage.
// Returns false if the aggregate result must fail the chain per
// storage_failure_policy.
func (r *Runtime) storageFanOut(ctx context.Context, uuid string) bool {
	cfg := r.resolved.Config
	if cfg.StorageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.StorageTimeout)
		defer cancel()
	}

	save := func(binding chain.StorageBinding) bool {
		start := time.Now()
		err := binding.Registration.Backend.Save(ctx, uuid, binding.Registration.Options)
		ok := err == nil
		if m := metrics.Global(); m != nil {
			m.RecordStorageSave(binding.Name, time.Since(start).Milliseconds(), ok)
		}
		if err != nil {
			logging.Op().Warn("storage save failed", "chain", cfg.Name, "storage", binding.Name, "uuid", uuid, "error", err)
		}
		return ok
	}

	allOK := true
	if cfg.ParallelStorage {
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, binding := range r.resolved.Storages {
			wg.Add(1)
			go func(binding chain.StorageBinding) {
				defer wg.Done()
				ok := save(binding)
				if !ok {
					mu.Lock()
					allOK = false
					mu.Unlock()
				}
			}(binding)
		}
		wg.Wait()
	} else {
		for _, binding := range r.resolved.Storages {
			if !save(binding) {
				allOK = false
			}
		}
	}

	if allOK {
		return true
	}
	return cfg.StorageFailurePolicy == chain.BestEffort
}

// pushEgress pushes uuid to every egress list, retrying transient failures
// with linear backoff up to egress_retries.
func (r *Runtime) pushEgress(ctx context.Context, uuid string) {
	cfg := r.resolved.Config
	for _, list := range cfg.EgressLists {
		ok := false
		attempts := cfg.EgressRetries + 1
		for i := 0; i < attempts; i++ {
			if err := r.q.PushRight(ctx, list, uuid); err == nil {
				ok = true
				break
			}
			if i < attempts-1 {
				backoff := cfg.EgressBackoff
				if backoff <= 0 {
					backoff = 500 * time.Millisecond
				}
				time.Sleep(backoff * time.Duration(i+1))
			}
		}
		if m := metrics.Global(); m != nil {
			m.RecordEgressPush(list, ok)
		}
		if !ok {
			logging.Op().Error("egress push exhausted retries", "chain", cfg.Name, "list", list, "uuid", uuid, "policy", cfg.EgressFailurePolicy)
			if cfg.EgressFailurePolicy == chain.EgressDLQ {
				r.dlq.Fail(ctx, list, uuid, pipeerr.New(pipeerr.ReasonStorageFailure, errors.New("egress push exhausted retries")), 1)
			}
		}
	}
}

func (r *Runtime) notifyTracers(ctx context.Context, uuid string, linksRun []tracer.LinkOutcome, start time.Time, outcome string) {
	event := tracer.Event{
		Chain:      r.resolved.Config.Name,
		UUID:       uuid,
		LinksRun:   linksRun,
		DurationMs: time.Since(start).Milliseconds(),
		Outcome:    outcome,
	}
	for _, t := range r.resolved.Tracers {
		timed := tracer.WithTimeout(t, 2*time.Second, func(chain, uuid string) {
			logging.Op().Warn("tracer notify timed out", "chain", chain, "uuid", uuid)
		})
		timed.Notify(ctx, event)
	}
}

func (r *Runtime) dlqFail(ctx context.Context, ingress, uuid string, cause *pipeerr.ChainError, linksRun []tracer.LinkOutcome, start time.Time, outcome string) {
	if err := r.dlq.Fail(ctx, ingress, uuid, cause, 1); err != nil {
		logging.Op().Error("dlq write failed", "chain", r.resolved.Config.Name, "uuid", uuid, "error", err)
	}
	if m := metrics.Global(); m != nil {
		m.RecordChainRun(r.resolved.Config.Name, outcome, time.Since(start).Milliseconds())
		m.RecordDLQEntry(ingress, outcome)
	}
	r.notifyTracers(ctx, uuid, linksRun, start, outcome)
}
