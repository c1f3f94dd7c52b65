// Package pubsub tracks which dashboard connections watch which group and the
// last state pushed for every group. All state lives on one goroutine.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"soundboard.app/internal/obs"
	"soundboard.app/internal/snowflake"
)

var (
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("pubsub: registry stopped")
	// ErrRestarted is returned to the caller whose request crashed the loop.
	ErrRestarted = errors.New("pubsub: registry restarted")
)

// Subscriber is the write side of a dashboard connection. Send must not block.
type Subscriber interface {
	Send(frame []byte) bool
}

// Ingest is the connection that hydrates topics, normally the executor.
type Ingest interface {
	Hydrate(topic snowflake.ID) bool
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Topics      int  `json:"topics"`
	Hydrated    int  `json:"hydrated"`
	Subscribers int  `json:"subscribers"`
	Ingest      bool `json:"ingest"`
}

type topic struct {
	subs  map[string]Subscriber
	state json.RawMessage
	// a hydrate request reached the current ingest
	requested bool
}

type state struct {
	topics      map[snowflake.ID]*topic
	subscribers int
	ingest      Ingest
}

func newState(ingest Ingest) *state {
	return &state{topics: make(map[snowflake.ID]*topic), ingest: ingest}
}

type request struct {
	apply func(*state) error
	reply chan error
}

// Registry is the handle to the subscription actor.
type Registry struct {
	mailbox chan *request
	stopped chan struct{}
	log     *zap.Logger
}

// New creates a registry; call Run to start it.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		mailbox: make(chan *request),
		stopped: make(chan struct{}),
		log:     log,
	}
}

// Run owns the registry state until ctx ends. A panic while handling a request
// resets the state: every known subscriber is told to re-identify and the loop
// starts over empty. The ingest designation survives the restart.
func (r *Registry) Run(ctx context.Context) error {
	defer close(r.stopped)
	st := newState(nil)
	for {
		if !r.serve(ctx, st) {
			return ctx.Err()
		}
		st = newState(st.ingest)
		r.publishGauges(st)
	}
}

func (r *Registry) serve(ctx context.Context, st *state) (crashed bool) {
	var cur *request
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		r.log.Error("registry crashed, restarting with empty state", zap.Any("panic", p), zap.Stack("stack"))
		if cur != nil {
			cur.reply <- ErrRestarted
		}
		for _, t := range st.topics {
			for _, sub := range t.subs {
				sub.Send(FrameReidentify)
			}
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

func (r *Registry) publishGauges(st *state) {
	obs.Topics.Set(float64(len(st.topics)))
	obs.Subscribers.Set(float64(st.subscribers))
}

func (r *Registry) call(ctx context.Context, fn func(*state) error) error {
	req := &request{apply: fn, reply: make(chan error, 1)}
	select {
	case r.mailbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}
}

// Subscribe moves connID from previous (if any) to t. An existing topic answers
// with its cached state, possibly null. A topic seen for the first time asks
// the ingest connection to hydrate it exactly once; if that request was not
// delivered, the next subscriber to the still empty topic asks again. Both
// cases end with an ack.
func (r *Registry) Subscribe(ctx context.Context, connID string, t snowflake.ID, previous *snowflake.ID, sub Subscriber) error {
	if sub == nil {
		return fmt.Errorf("pubsub: nil subscriber for %s", connID)
	}
	return r.call(ctx, func(st *state) error {
		if previous != nil {
			st.remove(connID, *previous)
		}
		tp, ok := st.topics[t]
		if ok {
			if _, dup := tp.subs[connID]; !dup {
				st.subscribers++
			}
			tp.subs[connID] = sub
			if tp.state == nil {
				sub.Send(frameNull)
				if !tp.requested {
					r.hydrate(st, t, tp)
				}
			} else {
				sub.Send(tp.state)
			}
			sub.Send(ack(t))
			return nil
		}

		tp = &topic{subs: map[string]Subscriber{connID: sub}}
		st.topics[t] = tp
		st.subscribers++
		r.hydrate(st, t, tp)
		sub.Send(ack(t))
		return nil
	})
}

func (r *Registry) hydrate(st *state, id snowflake.ID, tp *topic) {
	if st.ingest == nil {
		return
	}
	tp.requested = st.ingest.Hydrate(id)
	if !tp.requested {
		r.log.Warn("hydrate request not delivered", zap.Stringer("topic", id))
	}
}

// Unsubscribe removes connID from t. Unknown topics and absent connections are ignored.
func (r *Registry) Unsubscribe(ctx context.Context, connID string, t snowflake.ID) error {
	return r.call(ctx, func(st *state) error {
		st.remove(connID, t)
		return nil
	})
}

// Disconnect is Unsubscribe for a connection that may not have subscribed yet.
func (r *Registry) Disconnect(ctx context.Context, connID string, current *snowflake.ID) error {
	if current == nil {
		return nil
	}
	return r.Unsubscribe(ctx, connID, *current)
}

// Update replaces the cached state of t and broadcasts it to every current
// subscriber. An update for a topic nobody ever subscribed to is dropped.
func (r *Registry) Update(ctx context.Context, t snowflake.ID, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage(frameNull)
	}
	return r.call(ctx, func(st *state) error {
		tp, ok := st.topics[t]
		if !ok {
			r.log.Warn("state update for unknown topic dropped", zap.Stringer("topic", t))
			return nil
		}
		tp.state = payload
		for id, sub := range tp.subs {
			if !sub.Send(payload) {
				r.log.Debug("state frame dropped", zap.Stringer("topic", t), zap.String("conn_id", id))
			}
		}
		obs.Broadcasts.Inc()
		return nil
	})
}

// SetIngest designates the hydrating connection and requests hydration of every
// topic that still has no state.
func (r *Registry) SetIngest(ctx context.Context, in Ingest) error {
	return r.call(ctx, func(st *state) error {
		st.ingest = in
		if in == nil {
			return nil
		}
		for id, tp := range st.topics {
			if tp.state == nil {
				r.hydrate(st, id, tp)
			}
		}
		return nil
	})
}

// ClearIngest forgets in if it is still the designated connection and tells
// every subscriber the feed is gone.
func (r *Registry) ClearIngest(ctx context.Context, in Ingest) error {
	return r.call(ctx, func(st *state) error {
		if st.ingest == nil || st.ingest != in {
			return nil
		}
		st.ingest = nil
		for _, tp := range st.topics {
			tp.requested = false
			for _, sub := range tp.subs {
				sub.Send(FrameDisconnected)
			}
		}
		return nil
	})
}

// Stats reports counts.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := r.call(ctx, func(st *state) error {
		out.Topics = len(st.topics)
		out.Subscribers = st.subscribers
		out.Ingest = st.ingest != nil
		for _, tp := range st.topics {
			if tp.state != nil {
				out.Hydrated++
			}
		}
		return nil
	})
	return out, err
}

func (st *state) remove(connID string, t snowflake.ID) {
	tp, ok := st.topics[t]
	if !ok {
		return
	}
	if _, ok := tp.subs[connID]; ok {
		delete(tp.subs, connID)
		st.subscribers--
	}
}
