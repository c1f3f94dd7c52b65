// Package upstream is the rate-limit aware client for the upstream REST API
// (identity, guild membership, bot guild listing).
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"soundboard.app/internal/obs"
	"soundboard.app/internal/snowflake"
)

const (
	// DefaultBaseURL is the upstream API root.
	DefaultBaseURL = "https://discord.com/api/v10"
	// GuildPageSize is the fixed page size of guild pagination.
	GuildPageSize = 200

	maxAttempts      = 3
	maxErrorBody     = 4 << 10
	defaultTimeout   = 10 * time.Second
	headerRetry      = "Retry-After"
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
)

// Client wraps calls to the upstream REST service.
type Client struct {
	baseURL  string
	botToken string
	http     *http.Client
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	log      *zap.Logger

	mu        sync.Mutex
	notBefore time.Time // set when the remaining budget hit zero
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithSleep overrides how rate-limit waits are performed (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Client) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient builds a client for baseURL authenticating bot calls with botToken.
func NewClient(baseURL, botToken string, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		botToken: botToken,
		http:     &http.Client{Timeout: defaultTimeout},
		sleep:    sleepContext,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentUser resolves the identity behind a user access token.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (User, error) {
	var u User
	err := c.getJSON(ctx, "users.me", "/users/@me", nil, "Bearer "+accessToken, &u)
	return u, err
}

// CurrentUserGuilds lists the guilds the token's user is a member of.
func (c *Client) CurrentUserGuilds(ctx context.Context, accessToken string) ([]Guild, error) {
	var out []Guild
	var after snowflake.ID
	for {
		page, err := c.guildPage(ctx, "users.me.guilds", "Bearer "+accessToken, after, GuildPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < GuildPageSize {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}

// BotGuildsPage fetches one page of the bot's guilds with ids strictly greater than after.
func (c *Client) BotGuildsPage(ctx context.Context, after snowflake.ID, limit int) ([]Guild, error) {
	return c.guildPage(ctx, "bot.guilds", "Bot "+c.botToken, after, limit)
}

// AllBotGuilds walks every page. The upstream returns pages in ascending id order,
// and the cursor is the highest id seen so far.
func (c *Client) AllBotGuilds(ctx context.Context) ([]Guild, error) {
	var (
		out   []Guild
		after snowflake.ID
	)
	for {
		page, err := c.BotGuildsPage(ctx, after, GuildPageSize)
		if err != nil {
			return nil, err
		}
		for _, g := range page {
			if g.ID > after {
				after = g.ID
			}
		}
		out = append(out, page...)
		if len(page) < GuildPageSize {
			return out, nil
		}
	}
}

func (c *Client) guildPage(ctx context.Context, route, authorization string, after snowflake.ID, limit int) ([]Guild, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !after.IsZero() {
		q.Set("after", after.String())
	}
	var page []Guild
	if err := c.getJSON(ctx, route, "/users/@me/guilds", q, authorization, &page); err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) getJSON(ctx context.Context, route, path string, q url.Values, authorization string, dst any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	newReq := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", authorization)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "soundboard-control-plane")
		return req, nil
	}

	resp, err := c.do(ctx, route, newReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("upstream: decode %s: %w", route, err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, route)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Route: route, Status: resp.StatusCode, Body: string(body)}
	}
}

// do sends the request, sleeping through 429s for at most maxAttempts attempts.
// After the last attempt the final response is returned whatever its status.
// A successful response with an exhausted budget delays the next request.
func (c *Client) do(ctx context.Context, route string, newReq func() (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.waitBudget(ctx); err != nil {
			return nil, err
		}
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err = c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("upstream: %s: %w", route, err)
		}
		obs.UpstreamRequests.WithLabelValues(route, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode != http.StatusTooManyRequests {
			c.recordBudget(resp.Header)
			return resp, nil
		}
		if attempt == maxAttempts {
			c.log.Warn("upstream rate limit retries exhausted", zap.String("route", route), zap.Int("attempts", attempt))
			return resp, nil
		}

		wait := parseSeconds(resp.Header.Get(headerRetry))
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		c.log.Info("upstream rate limited, retrying",
			zap.String("route", route),
			zap.Duration("retry_after", wait),
			zap.Int("attempt", attempt),
		)
		obs.UpstreamWaits.WithLabelValues("retry_after").Inc()
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *Client) recordBudget(h http.Header) {
	remaining := strings.TrimSpace(h.Get(headerRemaining))
	if remaining != "0" {
		return
	}
	reset := parseSeconds(h.Get(headerResetAfter))
	if reset <= 0 {
		return
	}
	c.mu.Lock()
	c.notBefore = c.now().Add(reset)
	c.mu.Unlock()
}

func (c *Client) waitBudget(ctx context.Context) error {
	// Every request waits until the deadline passes, not just the first to see it.
	c.mu.Lock()
	wait := c.notBefore.Sub(c.now())
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	obs.UpstreamWaits.WithLabelValues("budget_exhausted").Inc()
	return c.sleep(ctx, wait)
}

// parseSeconds reads a fractional seconds header value ("0.5", "2").
func parseSeconds(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
