package paxos

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/senutpal/fastquorum/internal/metrics"
	"github.com/senutpal/fastquorum/internal/transport"
)

const (
	defaultProposerTimeout = 200 * time.Millisecond
	submitBuffer           = 1024
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Transport transport.Transport
	Learner   *Learner // co-located learner, required
	Acceptors []string

	// Index is this runner's owner slot among Runners. Classic rounds are
	// split between the runners and one coordinator.
	Index   int
	Runners int

	// FirstInstance is the lowest instance ID the runner allocates. A
	// restarted cluster sets it above every instance its acceptors remember.
	FirstInstance InstanceID

	Interleaved  bool // instance IDs Index, Index+Runners, ...
	FastPath     bool
	NoPhase1     bool
	Timeout      time.Duration // proposer resend timeout
	MaxTimeouts  int           // consecutive timeouts before giving up, 0 = never
	TickInterval time.Duration
	Window       int // max proposers in flight, 0 = unbounded

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Runners < 1 {
		c.Runners = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultProposerTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = c.Timeout / 4
	}
	if c.TickInterval < time.Millisecond {
		c.TickInterval = time.Millisecond
	}
	return c
}

// Handle tracks one submitted value.
type Handle struct {
	done      chan struct{}
	stopped   <-chan struct{}
	instance  InstanceID
	retries   int
	submitted time.Time
}

// Done is closed once the value has been learned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Instance returns the instance the value was learned in. Only meaningful
// after Done is closed.
func (h *Handle) Instance() InstanceID { return h.instance }

// Retries returns how many fresh instances the value needed beyond the first.
// Only meaningful after Done is closed.
func (h *Handle) Retries() int { return h.retries }

// Await blocks until the value is learned, ctx is done, or the runner exits.
func (h *Handle) Await(ctx context.Context) (InstanceID, error) {
	select {
	case <-h.done:
		return h.instance, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.stopped:
		select {
		case <-h.done:
			return h.instance, nil
		default:
			return 0, ErrNotRunning
		}
	}
}

type request struct {
	value   []byte
	handle  *Handle
	retries int
}

type flight struct {
	p   *proposer
	req *request
}

// Runner turns submitted values into proposers, one instance per attempt,
// and resubmits values that lost their instance.
type Runner struct {
	cfg    RunnerConfig
	params *proposerParams
	log    zerolog.Logger

	submitCh chan *request
	stopped  chan struct{}
	notify   *notifyQueue

	// owned by Run
	queue    []*request
	inflight map[InstanceID]*flight
	next     InstanceID
	idStep   InstanceID
}

func NewRunner(cfg RunnerConfig) *Runner {
	cfg = cfg.withDefaults()
	r := &Runner{
		cfg: cfg,
		params: &proposerParams{
			out:         cfg.Transport,
			acceptors:   cfg.Acceptors,
			owner:       cfg.Index,
			stride:      cfg.Runners + 1,
			fast:        cfg.FastPath,
			skipPhase1:  cfg.NoPhase1,
			timeout:     cfg.Timeout,
			maxTimeouts: cfg.MaxTimeouts,
			metrics:     cfg.Metrics,
			log:         cfg.Logger,
		},
		log:      cfg.Logger,
		submitCh: make(chan *request, submitBuffer),
		stopped:  make(chan struct{}),
		notify:   newNotifyQueue(),
		inflight: make(map[InstanceID]*flight),
		idStep:   1,
	}
	if cfg.Interleaved {
		r.next = InstanceID(cfg.Index)
		r.idStep = InstanceID(cfg.Runners)
	}
	if cfg.FirstInstance > r.next {
		r.next += (cfg.FirstInstance - r.next + r.idStep - 1) / r.idStep * r.idStep
	}
	cfg.Learner.OnInstanceLearned(r.notify.push)
	return r
}

// Submit queues value for consensus.
func (r *Runner) Submit(value []byte) (*Handle, error) {
	if len(value) == 0 {
		return nil, ErrEmptyValue
	}
	req := &request{
		value: cloneValue(value),
		handle: &Handle{
			done:      make(chan struct{}),
			stopped:   r.stopped,
			submitted: time.Now(),
		},
	}
	select {
	case <-r.stopped:
		return nil, ErrRunnerStopped
	default:
	}
	select {
	case r.submitCh <- req:
		r.cfg.Metrics.RecordSubmit()
		return req.handle, nil
	case <-r.stopped:
		return nil, ErrRunnerStopped
	}
}

func (r *Runner) Run(ctx context.Context) error {
	defer close(r.stopped)
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-r.submitCh:
			r.queue = append(r.queue, req)
			r.launch(time.Now())
		case msg := <-r.cfg.Transport.Inbox():
			r.handle(msg, time.Now())
		case <-r.notify.Ready():
			now := time.Now()
			for _, e := range r.notify.drain() {
				if f, ok := r.inflight[e.instance]; ok {
					r.advance(f, f.p.handleLearned(e.value), now)
				}
			}
		case now := <-ticker.C:
			for _, f := range r.inflight {
				r.advance(f, f.p.handleTimeout(now), now)
			}
		}
	}
}

func (r *Runner) handle(msg transport.Message, now time.Time) {
	m, ok := msg.(*Promise)
	if !ok {
		r.log.Warn().Str("type", fmt.Sprintf("%T", msg)).Str("from", msg.GetFrom()).Msg("unexpected message")
		return
	}
	if f, ok := r.inflight[m.Instance]; ok {
		r.advance(f, f.p.handlePromise(m, now), now)
	}
}

func (r *Runner) advance(f *flight, res result, now time.Time) {
	if res == resultPending || !f.p.step(res, now) {
		return
	}
	delete(r.inflight, f.p.instance)

	if f.p.success {
		h := f.req.handle
		h.instance = f.p.instance
		h.retries = f.req.retries
		close(h.done)
		r.cfg.Metrics.RecordResolved(time.Since(h.submitted))
	} else {
		f.req.retries++
		r.cfg.Metrics.RecordResubmit()
		r.log.Debug().Int64("instance", int64(f.p.instance)).Bool("gave_up", f.p.gaveUp).
			Int("retries", f.req.retries).Msg("value lost its instance, resubmitting")
		r.queue = append(r.queue, f.req)
	}
	r.launch(now)
}

func (r *Runner) launch(now time.Time) {
	for len(r.queue) > 0 && (r.cfg.Window <= 0 || len(r.inflight) < r.cfg.Window) {
		req := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]

		id := r.allocate()
		p := newProposer(r.params, id, req.value)
		r.inflight[id] = &flight{p: p, req: req}
		p.start(now)
	}
	r.cfg.Metrics.UpdateRunner(len(r.queue), len(r.inflight))
}

// allocate returns the next instance ID that is neither in flight nor
// already learned.
func (r *Runner) allocate() InstanceID {
	for {
		id := r.next
		r.next += r.idStep
		if _, busy := r.inflight[id]; busy {
			continue
		}
		if _, done := r.cfg.Learner.Learned(id); done {
			continue
		}
		return id
	}
}
