package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundboard.app/internal/snowflake"
)

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return nil
}

func (s *sleepRecorder) All() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func newTestClient(t *testing.T, h http.Handler) (*Client, *sleepRecorder) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	rec := &sleepRecorder{}
	fixed := time.Unix(1_700_000_000, 0)
	c := NewClient(srv.URL, "bot-token",
		WithHTTPClient(srv.Client()),
		WithSleep(rec.Sleep),
		WithClock(func() time.Time { return fixed }),
	)
	return c, rec
}

func TestRetryAfterSleepsThenRetriesOnce(t *testing.T) {
	var calls int
	c, rec := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0.5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode([]Guild{{ID: 1, Name: "one"}})
	}))

	page, err := c.BotGuildsPage(context.Background(), 0, GuildPageSize)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Equal(t, 2, calls, "exactly one retry")
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, rec.All())
}

func TestRetriesAreBounded(t *testing.T) {
	var calls int
	c, rec := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "0.25")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.BotGuildsPage(context.Background(), 0, GuildPageSize)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 3, calls, "stops after three consecutive 429s")
	assert.Len(t, rec.All(), 2)
}

func TestExhaustedBudgetDelaysNextRequest(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset-After", "1.5")
		} else {
			w.Header().Set("X-RateLimit-Remaining", "4")
		}
		_ = json.NewEncoder(w).Encode(User{ID: 7, Username: "u"})
	}))
	t.Cleanup(srv.Close)

	var (
		clockMu sync.Mutex
		now     = time.Unix(1_700_000_000, 0)
	)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	rec := &sleepRecorder{}
	c := NewClient(srv.URL, "bot-token", WithHTTPClient(srv.Client()), WithSleep(rec.Sleep), WithClock(clock))

	_, err := c.CurrentUser(context.Background(), "user-token")
	require.NoError(t, err)
	assert.Empty(t, rec.All(), "first request is not delayed")

	// Both requests start before the reset, so both wait.
	for range 2 {
		_, err = c.CurrentUser(context.Background(), "user-token")
		require.NoError(t, err)
	}
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 1500 * time.Millisecond}, rec.All())

	clockMu.Lock()
	now = now.Add(2 * time.Second)
	clockMu.Unlock()

	_, err = c.CurrentUser(context.Background(), "user-token")
	require.NoError(t, err)
	assert.Len(t, rec.All(), 2, "no wait once the reset has passed")
}

func TestAllBotGuildsPaginatesByHighestID(t *testing.T) {
	const total = 450
	var (
		afters []string
		auth   string
	)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		afters = append(afters, r.URL.Query().Get("after"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		after, _ := strconv.Atoi(r.URL.Query().Get("after"))

		var page []Guild
		for id := after + 1; id <= total && len(page) < limit; id++ {
			page = append(page, Guild{ID: snowflake.ID(id), Name: fmt.Sprintf("g%d", id)})
		}
		_ = json.NewEncoder(w).Encode(page)
	}))

	guilds, err := c.AllBotGuilds(context.Background())
	require.NoError(t, err)
	require.Len(t, guilds, total)
	assert.Equal(t, []string{"", "200", "400"}, afters)
	assert.Equal(t, "Bot bot-token", auth)
	for i := 1; i < len(guilds); i++ {
		assert.Less(t, guilds[i-1].ID, guilds[i].ID)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrRequestFailed},
		{"server error", http.StatusBadGateway, ErrRequestFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			_, err := c.CurrentUser(context.Background(), "tok")
			assert.ErrorIs(t, err, tc.want)

			var se *StatusError
			if errors.Is(tc.want, ErrRequestFailed) {
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tc.status, se.Status)
			}
		})
	}
}

func TestCurrentUserSendsBearerAndKeepsPrecision(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/users/@me", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"18446744073709551615","username":"max"}`))
	}))

	u, err := c.CurrentUser(context.Background(), "user-token")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(18446744073709551615), u.ID)
}

func TestParseSeconds(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, parseSeconds("0.5"))
	assert.Equal(t, 2*time.Second, parseSeconds(" 2 "))
	assert.Equal(t, time.Duration(0), parseSeconds(""))
	assert.Equal(t, time.Duration(0), parseSeconds("soon"))
}
