package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/anvil-build/anvil/src/actioncache"
	"github.com/anvil-build/anvil/src/cas"
	"github.com/anvil-build/anvil/src/cmap"
	"github.com/anvil-build/anvil/src/digest"
	"github.com/anvil-build/anvil/src/errkind"
	"github.com/anvil-build/anvil/src/logging"
	"github.com/anvil-build/anvil/src/metrics"
	"github.com/anvil-build/anvil/src/signature"
	"github.com/anvil-build/anvil/src/task"
)

var log = logging.MustGetLogger("scheduler")

// Executor runs one Task Spec to completion, normally by handing it to a
// Sandbox. err is nil for a clean exit; for a non-zero exit or a missing
// declared output it is errkind.NonZeroExit / errkind.MissingDeclaredOutput
// alongside a still-valid result (these are committable - the caller must
// still cache them). Any other error is non-committable and result may be
// nil.
type Executor interface {
	Execute(ctx context.Context, spec *task.TaskSpec) (*task.ActionResult, error)
}

// DependencyResolver maps a completed dependency into the File Nodes it
// contributes to a successor's input root - typically the dependency's
// declared output files, reparented under whatever path the successor
// expects them at.
type DependencyResolver func(dependencyName string, result *task.ActionResult) ([]signature.InputFile, error)

// OutputMaterializer is called once a task (cache hit or fresh execution)
// has a committed Action Result, to place its output files wherever
// downstream consumers (outside the graph - a user's workspace, say) expect
// to find them. It runs for both cache hits and misses: a cache hit's
// outputs must be materialized exactly as a fresh execution's would be.
// May be nil, in which case only digests flow between
// tasks and nothing is written outside the CAS.
type OutputMaterializer func(name string, result *task.ActionResult) error

// Mode selects how the Scheduler reacts to a task failure.
type Mode int

const (
	// FailFast cancels every in-flight task as soon as one task fails
	// non-committably, then drains.
	FailFast Mode = iota
	// KeepGoing lets independent subgraphs keep running after a failure;
	// only the failed task's transitive dependents are skipped.
	KeepGoing
)

// Scheduler drives one Graph to completion: resolving inputs, consulting
// the Action Cache, dispatching cache misses to an Executor, and holding to
// at most W concurrently in-flight tasks.
type Scheduler struct {
	Graph        *Graph
	CAS          *cas.Store
	AC           *actioncache.Cache
	Signer       *signature.Computer
	Executor     Executor
	Resolver     DependencyResolver
	Materializer OutputMaterializer
	Width        int
	Mode         Mode

	subMu       sync.Mutex
	subscribers []Subscriber

	inflight *cmap.ErrMap[string, *buildOutcome]
}

// buildOutcome is what the single-flight map commits per action digest.
type buildOutcome struct {
	result    *task.ActionResult
	fromCache bool
}

// limiterAdapter lets a single-flight waiter give back its worker-pool slot
// while it blocks on someone else's in-flight build, and reclaim it once
// that build commits.
type limiterAdapter struct {
	sem *semaphore.Weighted
	ctx context.Context
}

func (l *limiterAdapter) Acquire() { _ = l.sem.Acquire(l.ctx, 1) }
func (l *limiterAdapter) Release() { l.sem.Release(1) }

// NewScheduler constructs a Scheduler. width is clamped to at least 1.
func NewScheduler(graph *Graph, store *cas.Store, ac *actioncache.Cache, signer *signature.Computer, executor Executor, resolver DependencyResolver, width int) *Scheduler {
	if width < 1 {
		width = 1
	}
	return &Scheduler{
		Graph:    graph,
		CAS:      store,
		AC:       ac,
		Signer:   signer,
		Executor: executor,
		Resolver: resolver,
		Width:    width,
	}
}

// Subscribe registers s to receive the build's event stream.
func (s *Scheduler) Subscribe(sub Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

func (s *Scheduler) emit(e Event) {
	s.subMu.Lock()
	subs := append([]Subscriber(nil), s.subscribers...)
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.Notify(e)
	}
}

// Result is the outcome of a completed Run.
type Result struct {
	Succeeded bool
	Failed    []string          // tasks that ran and produced a non-zero / missing-output outcome
	Errored   []string          // tasks that hit a non-committable error (timeout, sandbox failure, ...)
	Cancelled map[string]string // task name -> culpable ancestor for tasks skipped under keep-going, or "<build cancelled>" for tasks a stop never dispatched
	Results   map[string]*task.ActionResult
}

type completion struct {
	n         *node
	outcome   *buildOutcome
	err       error
	committed bool // true if err is a committable failure (result still valid)
}

// Run executes the graph to completion. It returns a *CycleError (wrapping
// errkind.CycleDetected) without running any task if the graph has a
// dependency cycle.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	if err := s.Graph.Validate(); err != nil {
		log.Errorf("graph rejected: %s", err)
		return nil, err
	}
	log.Info("starting build: %d tasks, width %d, mode %v", len(s.Graph.nodes), s.Width, s.Mode)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(s.Width))
	s.inflight = cmap.NewErrMap[string, *buildOutcome](cmap.DefaultShardCount, cmap.DigestHasher, &limiterAdapter{sem: sem, ctx: ctx})

	remaining := make(map[string]int, len(s.Graph.nodes))
	q := &readyQueue{}
	heap.Init(q)
	for name, n := range s.Graph.nodes {
		remaining[name] = len(n.deps)
		if len(n.deps) == 0 {
			heap.Push(q, n)
			s.emit(TaskQueued{Name: name})
		}
	}

	result := &Result{
		Cancelled: map[string]string{},
		Results:   map[string]*task.ActionResult{},
	}

	doneCh := make(chan completion, len(s.Graph.nodes))
	inFlight := 0
	pending := len(s.Graph.nodes)
	cancelling := false
	var cancelCause error

	enqueueReadyDependents := func(n *node) {
		for _, depName := range n.dependents {
			remaining[depName]--
			if remaining[depName] == 0 {
				dn := s.Graph.nodes[depName]
				heap.Push(q, dn)
				s.emit(TaskQueued{Name: depName})
			}
		}
	}

	skipDescendants := func(n *node, ancestor string) {
		for _, depName := range n.dependents {
			if _, already := result.Cancelled[depName]; already {
				continue
			}
			if remaining[depName] <= 0 {
				continue // already dispatched or finished before the failure landed
			}
			remaining[depName] = -1 // never becomes ready
			result.Cancelled[depName] = ancestor
			s.emit(TaskFailed{Name: depName, CulpableAncestor: ancestor})
			pending--
			dn := s.Graph.nodes[depName]
			skipDescendants(dn, ancestor)
		}
	}

	for pending > 0 {
		for q.Len() > 0 && !cancelling {
			if acquired := sem.TryAcquire(1); !acquired {
				break
			}
			n := heap.Pop(q).(*node)
			inFlight++
			go s.executeNode(ctx, n, doneCh)
		}
		metrics.SetSchedulerQueueDepth(q.Len() + inFlight)

		if inFlight == 0 {
			// Nothing running and (queue is empty or we're draining under
			// cancellation): every remaining pending task is unreachable.
			break
		}

		select {
		case <-ctx.Done():
			if cancelCause == nil {
				cancelCause = ctx.Err()
			}
			cancelling = true
		case c := <-doneCh:
			inFlight--
			pending--
			sem.Release(1)
			s.handleCompletion(c, result, &cancelling, &cancelCause, cancel, enqueueReadyDependents, skipDescendants)
		}
	}

	// Anything left neither completed nor already marked Cancelled was
	// abandoned by a fail-fast stop before it ever reached the work pool.
	for _, name := range s.Graph.order {
		if _, done := result.Results[name]; done {
			continue
		}
		if _, skipped := result.Cancelled[name]; skipped {
			continue
		}
		result.Cancelled[name] = "<build cancelled>"
	}

	result.Succeeded = len(result.Failed) == 0 && len(result.Errored) == 0 && cancelCause == nil
	var finishErr error
	if !result.Succeeded {
		if cancelCause != nil {
			finishErr = cancelCause
		} else {
			finishErr = errkind.NonZeroExit
		}
	}
	if finishErr != nil {
		log.Warning("build finished with errors: %s", finishErr)
	} else {
		log.Info("build finished: %d tasks completed", len(result.Results))
	}
	s.emit(BuildFinished{Err: finishErr})
	return result, nil
}

func (s *Scheduler) handleCompletion(c completion, result *Result, cancelling *bool, cancelCause *error, cancel context.CancelFunc,
	enqueueReadyDependents func(*node), skipDescendants func(*node, string)) {
	n := c.n
	if c.err != nil && !c.committed {
		// Non-committable failure: no Action Result, no AC entry.
		result.Errored = append(result.Errored, n.name)
		s.emit(TaskFailed{Name: n.name, Err: c.err})
		if errors.Is(c.err, errkind.Cancelled) {
			// This task didn't fail on its own merits - it was caught by a
			// cancellation that originated elsewhere. Record it as errored
			// but don't treat it as a new culpable ancestor: the task(s)
			// that actually triggered the cancellation already own that.
			return
		}
		if s.Mode == FailFast {
			*cancelling = true
			if *cancelCause == nil {
				*cancelCause = c.err
			}
			cancel()
		} else {
			skipDescendants(n, n.name)
		}
		return
	}

	n.result = c.outcome.result
	n.fromCache = c.outcome.fromCache
	result.Results[n.name] = n.result

	if n.result.ExitCode != 0 {
		n.failed = true
		result.Failed = append(result.Failed, n.name)
		s.emit(TaskFailed{Name: n.name, Err: errkind.NonZeroExit})
		if s.Mode == FailFast {
			*cancelling = true
			if *cancelCause == nil {
				*cancelCause = errkind.NonZeroExit
			}
			cancel()
		} else {
			skipDescendants(n, n.name)
		}
		return
	}

	s.emit(TaskCompleted{Name: n.name, FromCache: c.outcome.fromCache})
	enqueueReadyDependents(n)
}

// executeNode resolves n's input root, computes its action digest, and
// single-flights the cache-lookup-or-execute work, sending the outcome on
// doneCh. It never panics: any error reaching this function's boundary is
// reported through the completion value.
func (s *Scheduler) executeNode(ctx context.Context, n *node, doneCh chan<- completion) {
	inputs := append([]signature.InputFile(nil), n.inputs...)
	for _, depName := range n.deps {
		dep := s.Graph.nodes[depName]
		if s.Resolver != nil {
			resolved, err := s.Resolver(depName, dep.result)
			if err != nil {
				doneCh <- completion{n: n, err: err}
				return
			}
			inputs = append(inputs, resolved...)
		}
	}

	inputRoot, err := signature.BuildInputRoot(s.CAS, inputs)
	if err != nil {
		doneCh <- completion{n: n, err: err}
		return
	}

	specCopy := *n.spec
	specCopy.InputRoot = inputRoot

	actionDigest, err := s.Signer.ActionDigest(&specCopy)
	if err != nil {
		doneCh <- completion{n: n, err: err}
		return
	}

	outcome, err, ran := s.inflight.GetOrSet(actionDigest.String(), func() (*buildOutcome, error) {
		return s.buildOne(ctx, n.name, &specCopy, actionDigest)
	})
	if err != nil {
		doneCh <- completion{n: n, err: err, committed: errkind.Committable(err)}
		return
	}
	if !ran {
		// This call coalesced onto another goroutine's in-flight build: the
		// executing caller already reported its own from_cache value, so
		// this waiter reports its own independent TaskCompleted event
		// rather than sharing the executor's outcome object.
		outcome = &buildOutcome{result: outcome.result, fromCache: true}
		if s.Materializer != nil {
			if err := s.Materializer(n.name, outcome.result); err != nil {
				doneCh <- completion{n: n, err: err}
				return
			}
		}
	}
	doneCh <- completion{n: n, outcome: outcome}
}

// buildOne is the function single-flighted per action digest: consult the
// cache, and on a miss dispatch to the Executor and commit the result.
func (s *Scheduler) buildOne(ctx context.Context, name string, spec *task.TaskSpec, actionDigest digest.Digest) (*buildOutcome, error) {
	if cached, err := s.AC.Get(actionDigest); err == nil {
		if s.Materializer != nil {
			if err := s.Materializer(name, cached); err != nil {
				return nil, err
			}
		}
		return &buildOutcome{result: cached, fromCache: true}, nil
	} else if !errors.Is(err, actioncache.ErrMissing) {
		return nil, err
	}

	s.emit(TaskStarted{Name: name})
	result, execErr := s.Executor.Execute(ctx, spec)
	if execErr != nil && !errkind.Committable(execErr) {
		return nil, execErr
	}
	if result == nil {
		return nil, errkind.SandboxInternalError
	}
	if ctx.Err() != nil {
		// The context was cancelled while the task was running (or between
		// exec returning and reaching this point); don't cache a result for
		// a build the caller no longer wants.
		return nil, errkind.Cancelled
	}

	if err := s.AC.Put(actionDigest, result); err != nil {
		return nil, err
	}
	if s.Materializer != nil {
		if err := s.Materializer(name, result); err != nil {
			return nil, err
		}
	}
	return &buildOutcome{result: result, fromCache: false}, nil
}
