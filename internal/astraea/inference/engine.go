package inference

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// kBatchInterval is the worker's sleep between drains — long enough to let
// a burst of concurrent ALIVE replies coalesce into one evaluation without
// meaningfully delaying any single flow's control tick.
const kBatchInterval = 5 * time.Millisecond

// kStateWidth is the policy's input width: kStateSize * kRecurrentNum.
const kStateWidth = 50

// ReplyFunc is the callback an inference request fires exactly once with
// its resulting action, or with info set to a non-empty diagnostic string
// on failure (mirroring the reference implementation's dual-purpose
// send_response signature).
type ReplyFunc func(action float32, info string)

type pendingRequest struct {
	flowID int
	obs    []float32
	reply  ReplyFunc
}

// Engine owns a single process-wide policy and serves it two ways:
// immediate synchronous evaluation on the caller's goroutine, and batched
// evaluation on a dedicated worker that drains its queue on every signal
// plus a fixed interval. Callers are expected to share one process-wide
// instance.
type Engine struct {
	policy Policy
	logger *zap.Logger
	batch  bool

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []pendingRequest
	stopped bool

	wg sync.WaitGroup

	onEvaluated func(n int, elapsed time.Duration, err error)
}

// New constructs the engine, runs the warm-up evaluation synchronously
// (one dummy inference with an all-zeros input, forcing lazy allocations),
// and — if batch is true — starts the background worker.
func New(policy Policy, batch bool, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{policy: policy, logger: logger, batch: batch}
	e.cond = sync.NewCond(&e.mu)

	if _, err := policy.Evaluate([][]float32{make([]float32, kStateWidth)}); err != nil {
		logger.Warn("inference warm-up failed", zap.Error(err))
	}

	if batch {
		e.wg.Add(1)
		go e.loop()
	}
	return e
}

// OnEvaluated registers an observer notified after every drain (immediate
// or batched), for metrics wiring. Must be called before any inference
// request; it is not safe to change concurrently with Evaluate/Submit.
func (e *Engine) OnEvaluated(f func(n int, elapsed time.Duration, err error)) {
	e.onEvaluated = f
}

// InferenceImdt evaluates one observation synchronously on the caller's
// goroutine and fires reply before returning.
func (e *Engine) InferenceImdt(flowID int, obs []float32, reply ReplyFunc) {
	start := time.Now()
	actions, err := e.policy.Evaluate([][]float32{obs})
	e.notify(1, time.Since(start), err)
	if err != nil {
		e.logger.Error("immediate inference failed", zap.Int("flow_id", flowID), zap.Error(err))
		reply(0, "inference error")
		return
	}
	reply(actions[0], "")
}

// Submit enqueues a batched inference request. The background worker drains
// the queue and invokes reply once its share of the batch evaluation
// completes, in enqueue order within that batch. Submit is a no-op once
// Stop has been called.
func (e *Engine) Submit(flowID int, obs []float32, reply ReplyFunc) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, pendingRequest{flowID: flowID, obs: obs, reply: reply})
	e.mu.Unlock()
	e.cond.Signal()
}

// loop is the batch worker: it wakes on every Submit or stop signal, drains
// whatever is queued, evaluates it as one batch, and fires replies in
// order — then sleeps kBatchInterval before checking again, letting a
// following burst of Submits coalesce.
func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if e.stopped && len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		reqs := e.queue
		e.queue = nil
		e.mu.Unlock()

		obsBatch := make([][]float32, len(reqs))
		for i, r := range reqs {
			obsBatch[i] = r.obs
		}

		start := time.Now()
		actions, err := e.policy.Evaluate(obsBatch)
		e.notify(len(reqs), time.Since(start), err)

		if err != nil {
			e.logger.Error("batch inference failed", zap.Int("batch_size", len(reqs)), zap.Error(err))
			for _, r := range reqs {
				r.reply(0, "inference error")
			}
		} else {
			for i, r := range reqs {
				r.reply(actions[i], "")
			}
		}

		time.Sleep(kBatchInterval)
	}
}

func (e *Engine) notify(n int, elapsed time.Duration, err error) {
	if e.onEvaluated != nil {
		e.onEvaluated(n, elapsed, err)
	}
}

// Stop signals the batch worker to drain outstanding requests and exit,
// then waits for it to finish. It is a no-op in immediate-only mode.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	e.cond.Broadcast()
	if e.batch {
		e.wg.Wait()
	}
}
