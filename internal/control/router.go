// Package control correlates playback commands with executor replies. The
// router is a single goroutine owning the executor set and the pending table;
// callers reach it only through its mailbox.
package control

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"soundboard.app/internal/ids"
	"soundboard.app/internal/obs"
)

// DefaultTimeout bounds how long Dispatch waits for a reply.
const DefaultTimeout = 10 * time.Second

// Executor is the write side of an executor connection.
type Executor interface {
	ID() string
	Send(frame []byte) bool
	Close()
}

type result struct {
	env Envelope
	err error
}

// pending is resolved exactly once: the entry is deleted from the table in the
// same step that writes to reply.
type pending struct {
	op    Op
	reply chan result
}

type state struct {
	executors map[string]Executor
	pending   map[string]*pending
}

func newState() *state {
	return &state{
		executors: make(map[string]Executor),
		pending:   make(map[string]*pending),
	}
}

type request struct {
	apply func(*state) error
	reply chan error
}

// Router is the handle to the correlation actor.
type Router struct {
	mailbox chan *request
	stopped chan struct{}
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRouter builds a router; call Run to start it.
func NewRouter(log *zap.Logger, opts ...Option) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		mailbox: make(chan *request),
		stopped: make(chan struct{}),
		timeout: DefaultTimeout,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run serves the mailbox until ctx ends. After a panic every pending wait fails
// with ErrRouterRestarted, executors are closed so they reconnect, and the loop
// restarts empty.
func (r *Router) Run(ctx context.Context) error {
	defer close(r.stopped)
	for {
		st := newState()
		r.publishGauges(st)
		if !r.serve(ctx, st) {
			r.shutdown(st)
			return ctx.Err()
		}
	}
}

func (r *Router) serve(ctx context.Context, st *state) (crashed bool) {
	var cur *request
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		r.log.Error("router crashed, restarting with empty state", zap.Any("panic", p), zap.Stack("stack"))
		if cur != nil {
			cur.reply <- ErrRouterRestarted
		}
		for id, w := range st.pending {
			w.reply <- result{err: ErrRouterRestarted}
			delete(st.pending, id)
		}
		for _, ex := range st.executors {
			ex.Close()
		}
		crashed = true
	}()
	for {
		select {
		case <-ctx.Done():
			return false
		case req := <-r.mailbox:
			cur = req
			err := req.apply(st)
			cur = nil
			req.reply <- err
			r.publishGauges(st)
		}
	}
}

func (r *Router) shutdown(st *state) {
	for id, w := range st.pending {
		w.reply <- result{err: ErrRouterStopped}
		delete(st.pending, id)
	}
	r.publishGauges(st)
}

func (r *Router) publishGauges(st *state) {
	obs.ExecutorsConnected.Set(float64(len(st.executors)))
	obs.PendingCommands.Set(float64(len(st.pending)))
}

func (r *Router) call(ctx context.Context, fn func(*state) error) error {
	req := &request{apply: fn, reply: make(chan error, 1)}
	select {
	case r.mailbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrRouterStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-r.stopped:
		return ErrRouterStopped
	}
}

// Attach registers ex and sends it the handshake. Only one executor is kept:
// a newer connection displaces the current one, which is closed.
func (r *Router) Attach(ctx context.Context, ex Executor) error {
	hello, err := encode(Envelope{Op: OpConnection})
	if err != nil {
		return err
	}
	return r.call(ctx, func(st *state) error {
		for id, old := range st.executors {
			if id == ex.ID() {
				continue
			}
			r.log.Info("executor displaced by newer connection", zap.String("executor", id), zap.String("by", ex.ID()))
			delete(st.executors, id)
			old.Close()
		}
		st.executors[ex.ID()] = ex
		ex.Send(hello)
		r.log.Info("executor attached", zap.String("executor", ex.ID()))
		return nil
	})
}

// Detach forgets ex. Commands waiting on it are left to time out.
func (r *Router) Detach(ctx context.Context, ex Executor) error {
	return r.call(ctx, func(st *state) error {
		if cur, ok := st.executors[ex.ID()]; ok && cur == ex {
			delete(st.executors, ex.ID())
			r.log.Info("executor detached", zap.String("executor", ex.ID()))
		}
		return nil
	})
}

// Dispatch sends cmd to the attached executors and waits for the correlated
// reply. The wait is registered in the same step that sends the frame.
func (r *Router) Dispatch(ctx context.Context, cmd Command) (Envelope, error) {
	started := r.now()
	env, err := r.dispatch(ctx, cmd)
	obs.Commands.WithLabelValues(string(cmd.Op), outcome(err)).Inc()
	obs.CommandLatency.WithLabelValues(string(cmd.Op)).Observe(r.now().Sub(started).Seconds())
	return env, err
}

func (r *Router) dispatch(ctx context.Context, cmd Command) (Envelope, error) {
	if err := cmd.validate(); err != nil {
		return Envelope{}, err
	}
	id := ids.New()
	control := cmd.Control
	frame, err := encode(Envelope{Op: cmd.Op, MessageID: id, Control: &control})
	if err != nil {
		return Envelope{}, err
	}

	w := &pending{op: cmd.Op, reply: make(chan result, 1)}
	err = r.call(ctx, func(st *state) error {
		if len(st.executors) == 0 {
			return ErrNoExecutor
		}
		st.pending[id] = w
		for _, ex := range st.executors {
			if !ex.Send(frame) {
				r.log.Warn("command frame dropped", zap.String("executor", ex.ID()), zap.String("message_id", id))
			}
		}
		return nil
	})
	if err != nil {
		return Envelope{}, err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-w.reply:
		return r.finish(cmd.Op, res)
	case <-timer.C:
		err = ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	// Withdraw the wait. If the actor already resolved it, the reply is buffered.
	withdrawn := false
	cerr := r.call(context.WithoutCancel(ctx), func(st *state) error {
		if _, ok := st.pending[id]; ok {
			delete(st.pending, id)
			withdrawn = true
		}
		return nil
	})
	if cerr == nil && !withdrawn {
		return r.finish(cmd.Op, <-w.reply)
	}
	if errors.Is(err, ErrTimeout) {
		r.log.Warn("command timed out", zap.String("op", string(cmd.Op)), zap.String("message_id", id), zap.Duration("timeout", r.timeout))
	}
	return Envelope{}, err
}

func (r *Router) finish(op Op, res result) (Envelope, error) {
	if res.err != nil {
		return Envelope{}, res.err
	}
	return checkReply(op, res.env)
}

// Resolve delivers a reply to its waiting caller. Replies nobody waits for
// (late, duplicate, unknown) are logged and dropped.
func (r *Router) Resolve(ctx context.Context, env Envelope) error {
	return r.call(ctx, func(st *state) error {
		w, ok := st.pending[env.MessageID]
		if !ok {
			r.log.Warn("reply dropped", zap.Error(ErrCorrelationNotFound), zap.String("op", string(env.Op)), zap.String("message_id", env.MessageID))
			return nil
		}
		delete(st.pending, env.MessageID)
		w.reply <- result{env: env}
		return nil
	})
}

// Pending counts unresolved commands.
func (r *Router) Pending(ctx context.Context) (int, error) {
	var n int
	err := r.call(ctx, func(st *state) error {
		n = len(st.pending)
		return nil
	})
	return n, err
}

// Executors counts attached executors.
func (r *Router) Executors(ctx context.Context) (int, error) {
	var n int
	err := r.call(ctx, func(st *state) error {
		n = len(st.executors)
		return nil
	})
	return n, err
}

func outcome(err error) string {
	var ce *ClientError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce):
		return "client_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNoExecutor):
		return "no_executor"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
