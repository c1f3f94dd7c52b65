package control

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"soundboard.app/internal/snowflake"
)

// fakeExecutor records frames and can answer them through onFrame.
type fakeExecutor struct {
	id      string
	mu      sync.Mutex
	frames  []Envelope
	closed  bool
	onFrame func(Envelope)
}

func (f *fakeExecutor) ID() string { return f.id }

func (f *fakeExecutor) Send(frame []byte) bool {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		panic(err)
	}
	f.mu.Lock()
	f.frames = append(f.frames, env)
	cb := f.onFrame
	f.mu.Unlock()
	if cb != nil && env.MessageID != "" {
		// Replies come back on another goroutine, like a real connection.
		go cb(env)
	}
	return true
}

func (f *fakeExecutor) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeExecutor) Frames() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.frames...)
}

func (f *fakeExecutor) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func startRouter(t *testing.T, log *zap.Logger, opts ...Option) *Router {
	t.Helper()
	r := NewRouter(log, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func TestDispatchResolvesWithReply(t *testing.T) {
	r := startRouter(t, nil)
	ctx := context.Background()
	ex := &fakeExecutor{id: "bot"}
	ex.onFrame = func(env Envelope) {
		_ = r.Resolve(ctx, Envelope{Op: OpGetQueueResponse, MessageID: env.MessageID, Queue: []QueueEntry{{FileID: 9}}})
	}
	require.NoError(t, r.Attach(ctx, ex))

	env, err := r.Dispatch(ctx, GetQueue(1))
	require.NoError(t, err)
	assert.Equal(t, []QueueEntry{{FileID: 9}}, env.Queue)

	frames := ex.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, OpConnection, frames[0].Op)
	assert.Equal(t, OpGetQueue, frames[1].Op)
	assert.Equal(t, snowflake.ID(1), frames[1].Control.GroupID)

	n, err := r.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDuplicateAndUnknownRepliesAreDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := startRouter(t, zap.New(core))
	ctx := context.Background()
	ex := &fakeExecutor{id: "bot"}
	ex.onFrame = func(env Envelope) {
		reply := Envelope{Op: OpStopResponse, MessageID: env.MessageID}
		_ = r.Resolve(ctx, reply)
		_ = r.Resolve(ctx, reply)
	}
	require.NoError(t, r.Attach(ctx, ex))

	_, err := r.Dispatch(ctx, Stop(1))
	require.NoError(t, err)

	require.NoError(t, r.Resolve(ctx, Envelope{Op: OpPlayResponse, MessageID: "nobody"}))
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("reply dropped").Len() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchTimesOutAndCleansUp(t *testing.T) {
	r := startRouter(t, nil, WithTimeout(50*time.Millisecond))
	ctx := context.Background()
	ex := &fakeExecutor{id: "silent"}
	require.NoError(t, r.Attach(ctx, ex))

	start := time.Now()
	_, err := r.Dispatch(ctx, Skip(1))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	n, err := r.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A late reply is dropped rather than delivered anywhere.
	frames := ex.Frames()
	require.NoError(t, r.Resolve(ctx, Envelope{Op: OpSkipResponse, MessageID: frames[len(frames)-1].MessageID}))
}

func TestDispatchCancelledByCaller(t *testing.T) {
	r := startRouter(t, nil)
	require.NoError(t, r.Attach(context.Background(), &fakeExecutor{id: "silent"}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Dispatch(ctx, Stop(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	n, err := r.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchWithoutExecutor(t *testing.T) {
	r := startRouter(t, nil)
	_, err := r.Dispatch(context.Background(), Stop(1))
	assert.ErrorIs(t, err, ErrNoExecutor)
}

func TestDispatchRejectsInvalidCommand(t *testing.T) {
	r := startRouter(t, nil)
	_, err := r.Dispatch(context.Background(), Command{Op: OpPlay, Control: Control{GroupID: 1}})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = r.Dispatch(context.Background(), Command{Op: OpStopResponse, Control: Control{GroupID: 1}})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestExecutorErrorBecomesClientError(t *testing.T) {
	r := startRouter(t, nil)
	ctx := context.Background()
	ex := &fakeExecutor{id: "bot"}
	ex.onFrame = func(env Envelope) {
		_ = r.Resolve(ctx, Envelope{Op: OpError, MessageID: env.MessageID, ClientError: &ClientError{Code: "not_in_voice"}})
	}
	require.NoError(t, r.Attach(ctx, ex))

	_, err := r.Dispatch(ctx, Play(1, 2, nil))
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "not_in_voice", ce.Code)
}

func TestMismatchedReplyIsBadReply(t *testing.T) {
	r := startRouter(t, nil)
	ctx := context.Background()
	ex := &fakeExecutor{id: "bot"}
	ex.onFrame = func(env Envelope) {
		_ = r.Resolve(ctx, Envelope{Op: OpStopResponse, MessageID: env.MessageID})
	}
	require.NoError(t, r.Attach(ctx, ex))

	_, err := r.Dispatch(ctx, Play(1, 2, nil))
	assert.ErrorIs(t, err, ErrBadReply)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestNewestExecutorWins(t *testing.T) {
	r := startRouter(t, nil)
	ctx := context.Background()
	first := &fakeExecutor{id: "a"}
	second := &fakeExecutor{id: "b"}

	require.NoError(t, r.Attach(ctx, first))
	require.NoError(t, r.Attach(ctx, second))
	assert.True(t, first.Closed())
	assert.False(t, second.Closed())

	n, err := r.Executors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Detaching the displaced connection must not remove the live one.
	require.NoError(t, r.Detach(ctx, first))
	n, err = r.Executors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r.Detach(ctx, second))
	n, err = r.Executors(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentDispatchesResolveIndependently(t *testing.T) {
	r := startRouter(t, nil)
	ctx := context.Background()
	ex := &fakeExecutor{id: "bot"}
	ex.onFrame = func(env Envelope) {
		_ = r.Resolve(ctx, Envelope{Op: OpPlayResponse, MessageID: env.MessageID, Control: env.Control})
	}
	require.NoError(t, r.Attach(ctx, ex))

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(g snowflake.ID) {
			defer wg.Done()
			env, err := r.Dispatch(ctx, Play(g, 5, nil))
			if assert.NoError(t, err) {
				assert.Equal(t, g, env.Control.GroupID)
			}
		}(snowflake.ID(i))
	}
	wg.Wait()
}

func TestRouterRestartFailsPendingWaits(t *testing.T) {
	r := startRouter(t, nil)
	ctx := context.Background()
	ex := &fakeExecutor{id: "bot"}
	require.NoError(t, r.Attach(ctx, ex))

	errc := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(ctx, Stop(1))
		errc <- err
	}()
	require.Eventually(t, func() bool {
		n, _ := r.Pending(ctx)
		return n == 1
	}, time.Second, 5*time.Millisecond)

	err := r.call(ctx, func(*state) error { panic("boom") })
	assert.ErrorIs(t, err, ErrRouterRestarted)
	assert.ErrorIs(t, <-errc, ErrRouterRestarted)
	assert.True(t, ex.Closed())

	n, err := r.Executors(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"op":"State","control":{"group_id":"123456789012345678"},"state":{"members":[]}}`))
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(123456789012345678), env.Control.GroupID)
	assert.JSONEq(t, `{"members":[]}`, string(env.State))

	for _, raw := range []string{
		`not json`,
		`{"op":"Dance"}`,
		`{"op":"PlayResponse"}`,
		`{"op":"State"}`,
	} {
		_, err := ParseEnvelope([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestIngestSendsHydrateFrame(t *testing.T) {
	ex := &fakeExecutor{id: "bot"}
	require.True(t, NewIngest(ex).Hydrate(77))
	frames := ex.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, OpHydrate, frames[0].Op)
	assert.Equal(t, snowflake.ID(77), frames[0].Control.GroupID)
}
