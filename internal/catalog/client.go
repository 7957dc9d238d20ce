// Package catalog implements the client for the external catalog-search API:
// token exchange, paginated playlist search, and playlist detail lookups, all
// paced by the global rate limiter and retried with bounded backoff.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/ratelimit"
	"github.com/rankwatch/rankwatch/internal/scan"
	"github.com/rankwatch/rankwatch/internal/telemetry"
)

// Sentinel errors surfaced to the runner for terminal classification.
var (
	// ErrRateLimited means the 429 retry budget was exhausted; the whole scan
	// aborts rather than hammering the API further.
	ErrRateLimited = errors.New("catalog rate limit retries exhausted")
	// ErrRetriesExhausted means transient failures (5xx, network) persisted
	// past the attempt cap; the current iteration is skipped.
	ErrRetriesExhausted = errors.New("catalog retries exhausted")
	// ErrPlaylistNotFound is returned for 404 detail lookups.
	ErrPlaylistNotFound = errors.New("playlist not found")
	// ErrUnauthorized is returned when credentials are rejected.
	ErrUnauthorized = errors.New("catalog credentials rejected")
)

// errRetryable marks a 2xx response whose body is unusable (e.g. a token
// response without a token) so the attempt loop treats it as transient.
var errRetryable = errors.New("retryable response")

const (
	defaultMaxAttempts    = 6
	defaultRetryAfter     = 2 * time.Second
	defaultRetryAfterCap  = 30 * time.Second
	defaultBackoffInitial = 500 * time.Millisecond
	defaultTimeout        = 15 * time.Second
	defaultFetchLimit     = 35
	defaultBudgetSleep    = 1500 * time.Millisecond
	searchPageSize        = 20
	retryJitterMax        = 250 * time.Millisecond
	endpointToken         = "token"
	endpointSearch        = "search"
	endpointPlaylist      = "playlist"
	retryCauseRateLimited = "rate_limited"
	retryCauseTransient   = "transient"
)

// Config holds catalog client settings.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string

	Timeout        time.Duration
	MaxAttempts    int
	RetryAfterCap  time.Duration
	BackoffInitial time.Duration

	// TargetRPS is the global outbound ceiling enforced via the shared Pacer.
	TargetRPS float64
	// CallBudget is the per-scan call count past which BudgetSleep is
	// inserted before each call. Zero disables budget pacing.
	CallBudget  int
	BudgetSleep time.Duration
	// FetchLimit caps how many search hits are fetched per query across
	// pages.
	FetchLimit int
}

// API is the per-scan surface the runner and prefetcher consume.
type API interface {
	Authenticate(ctx context.Context) error
	SearchPlaylists(ctx context.Context, market, keyword string) ([]Playlist, error)
	GetPlaylist(ctx context.Context, id string) (scan.Metadata, error)
}

// Playlist is one ranked search hit.
type Playlist struct {
	ID               string
	Name             string
	Owner            string
	Followers        *int64
	TrackCount       *int
	Description      string
	URL              string
	LastTrackAddedAt *time.Time
}

// Client issues catalog requests. One Client is shared by all scans; each
// scan opens its own Session so call budgets stay per-scan while pacing
// stays global.
type Client struct {
	cfg    Config
	httpc  *http.Client
	pacer  *ratelimit.Pacer
	clock  scan.Clock
	logger *zap.Logger
}

// NewClient builds a Client, applying defaults for unset knobs.
func NewClient(cfg Config, pacer *ratelimit.Pacer, clock scan.Clock, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryAfterCap <= 0 {
		cfg.RetryAfterCap = defaultRetryAfterCap
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultFetchLimit
	}
	if cfg.BudgetSleep <= 0 {
		cfg.BudgetSleep = defaultBudgetSleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		pacer:  pacer,
		clock:  clock,
		logger: logger,
	}
}

// NewSession opens a per-scan session with its own token and call budget.
func (c *Client) NewSession() API {
	return &Session{c: c}
}

// Session carries one scan's bearer token and call counter.
type Session struct {
	c     *Client
	mu    sync.Mutex
	token string
	calls int
}

// Authenticate exchanges client credentials for a bearer token. A 2xx
// response without an access token is retried like a transient failure.
func (s *Session) Authenticate(ctx context.Context) error {
	var token string
	err := s.do(ctx, endpointToken,
		func() (*http.Request, error) {
			form := url.Values{"grant_type": {"client_credentials"}}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.c.cfg.TokenURL, strings.NewReader(form.Encode()))
			if err != nil {
				return nil, fmt.Errorf("build token request: %w", err)
			}
			req.SetBasicAuth(s.c.cfg.ClientID, s.c.cfg.ClientSecret)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return req, nil
		},
		func(resp *http.Response) error {
			var body struct {
				AccessToken string `json:"access_token"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode token response: %w", errRetryable)
			}
			if body.AccessToken == "" {
				return fmt.Errorf("token response missing access_token: %w", errRetryable)
			}
			token = body.AccessToken
			return nil
		},
	)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// SearchPlaylists returns the ordered playlist hits for one (market,
// keyword) pair, paginating until the fetch limit or the end of results.
func (s *Session) SearchPlaylists(ctx context.Context, market, keyword string) ([]Playlist, error) {
	var out []Playlist
	for offset := 0; offset < s.c.cfg.FetchLimit; {
		limit := searchPageSize
		if remaining := s.c.cfg.FetchLimit - offset; remaining < limit {
			limit = remaining
		}
		page, total, err := s.searchPage(ctx, market, keyword, limit, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		offset += len(page)
		if len(page) < limit || offset >= total {
			break
		}
	}
	return out, nil
}

func (s *Session) searchPage(ctx context.Context, market, keyword string, limit, offset int) ([]Playlist, int, error) {
	var page []Playlist
	var total int
	err := s.do(ctx, endpointSearch,
		func() (*http.Request, error) {
			q := url.Values{
				"q":      {keyword},
				"type":   {"playlist"},
				"market": {market},
				"limit":  {strconv.Itoa(limit)},
				"offset": {strconv.Itoa(offset)},
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.c.cfg.BaseURL+"/v1/search?"+q.Encode(), nil)
			if err != nil {
				return nil, fmt.Errorf("build search request: %w", err)
			}
			s.authorize(req)
			return req, nil
		},
		func(resp *http.Response) error {
			var body struct {
				Playlists struct {
					Items []playlistPayload `json:"items"`
					Total int               `json:"total"`
				} `json:"playlists"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode search response: %w", errRetryable)
			}
			for _, item := range body.Playlists.Items {
				page = append(page, item.toPlaylist())
			}
			total = body.Playlists.Total
			return nil
		},
	)
	if err != nil {
		return nil, 0, err
	}
	return page, total, nil
}

// GetPlaylist fetches detail metadata for one playlist.
func (s *Session) GetPlaylist(ctx context.Context, id string) (scan.Metadata, error) {
	var meta scan.Metadata
	err := s.do(ctx, endpointPlaylist,
		func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.c.cfg.BaseURL+"/v1/playlists/"+url.PathEscape(id), nil)
			if err != nil {
				return nil, fmt.Errorf("build playlist request: %w", err)
			}
			s.authorize(req)
			return req, nil
		},
		func(resp *http.Response) error {
			var body playlistPayload
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode playlist response: %w", errRetryable)
			}
			meta = body.toMetadata()
			return nil
		},
	)
	if err != nil {
		return scan.Metadata{}, err
	}
	return meta, nil
}

func (s *Session) authorize(req *http.Request) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// noteCall bumps the per-scan counter and reports whether the budget is
// exceeded for this call.
func (s *Session) noteCall() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.calls, s.c.cfg.CallBudget > 0 && s.calls > s.c.cfg.CallBudget
}

// do runs one logical request through pacing, the retry loop, and error
// classification. handle is only invoked on 2xx; returning an error wrapping
// errRetryable re-enters the transient backoff path.
func (s *Session) do(ctx context.Context, endpoint string, build func() (*http.Request, error), handle func(*http.Response) error) error {
	c := s.c
	var rateLimitedLast bool
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("catalog request cancelled: %w", err)
		}

		c.pacer.Acquire(c.cfg.TargetRPS)
		if calls, over := s.noteCall(); over {
			c.logger.Info("budget pacing",
				zap.String("endpoint", endpoint),
				zap.Int("calls", calls),
				zap.Int("budget", c.cfg.CallBudget),
				zap.Duration("sleep", c.cfg.BudgetSleep),
			)
			c.clock.Sleep(c.cfg.BudgetSleep)
		}

		req, err := build()
		if err != nil {
			return err
		}
		c.logger.Debug("catalog request",
			zap.String("endpoint", endpoint),
			zap.String("method", req.Method),
			zap.Int("attempt", attempt),
		)

		start := c.clock.Now()
		resp, err := c.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("catalog request cancelled: %w", ctx.Err())
			}
			rateLimitedLast = false
			c.retryTransient(endpoint, attempt, err)
			continue
		}

		c.logger.Debug("catalog response",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", c.clock.Now().Sub(start)),
		)
		telemetry.ObserveCatalogRequest(endpoint, resp.StatusCode)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			drain(resp)
			rateLimitedLast = true
			c.retryRateLimited(endpoint, attempt, resp.Header.Get("Retry-After"))
			continue
		case resp.StatusCode >= 500:
			drain(resp)
			rateLimitedLast = false
			c.retryTransient(endpoint, attempt, fmt.Errorf("status %d", resp.StatusCode))
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drain(resp)
			return fmt.Errorf("%s request status %d: %w", endpoint, resp.StatusCode, ErrUnauthorized)
		case resp.StatusCode == http.StatusNotFound:
			drain(resp)
			return fmt.Errorf("%s request: %w", endpoint, ErrPlaylistNotFound)
		case resp.StatusCode >= 400:
			drain(resp)
			return fmt.Errorf("%s request failed with status %d", endpoint, resp.StatusCode)
		}

		err = handle(resp)
		drain(resp)
		if err != nil {
			if errors.Is(err, errRetryable) {
				rateLimitedLast = false
				c.retryTransient(endpoint, attempt, err)
				continue
			}
			return err
		}
		return nil
	}

	if rateLimitedLast {
		return fmt.Errorf("%s request after %d attempts: %w", endpoint, c.cfg.MaxAttempts, ErrRateLimited)
	}
	return fmt.Errorf("%s request after %d attempts: %w", endpoint, c.cfg.MaxAttempts, ErrRetriesExhausted)
}

// retryRateLimited honors Retry-After (default 2s when absent or malformed),
// caps it, and adds a small jitter so callers do not retry in lockstep. On the
// final attempt there is no retry to wait for, so it does nothing.
func (c *Client) retryRateLimited(endpoint string, attempt int, retryAfter string) {
	if attempt >= c.cfg.MaxAttempts {
		return
	}
	wait := defaultRetryAfter
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	if wait > c.cfg.RetryAfterCap {
		wait = c.cfg.RetryAfterCap
	}
	wait += rand.N(retryJitterMax)
	c.logger.Warn("catalog rate limited, retrying",
		zap.String("endpoint", endpoint),
		zap.Int("attempt", attempt),
		zap.Duration("wait", wait),
	)
	telemetry.ObserveCatalogRetry(retryCauseRateLimited)
	c.clock.Sleep(wait)
}

// retryTransient backs off exponentially from BackoffInitial. Like
// retryRateLimited it is a no-op on the final attempt.
func (c *Client) retryTransient(endpoint string, attempt int, cause error) {
	if attempt >= c.cfg.MaxAttempts {
		return
	}
	wait := c.cfg.BackoffInitial << (attempt - 1)
	c.logger.Warn("catalog transient failure, retrying",
		zap.String("endpoint", endpoint),
		zap.Int("attempt", attempt),
		zap.Duration("wait", wait),
		zap.Error(cause),
	)
	telemetry.ObserveCatalogRetry(retryCauseTransient)
	c.clock.Sleep(wait)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// playlistPayload is the wire shape shared by search items and detail
// responses.
type playlistPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Owner       struct {
		DisplayName string `json:"display_name"`
	} `json:"owner"`
	Followers *struct {
		Total int64 `json:"total"`
	} `json:"followers"`
	Tracks *struct {
		Total int `json:"total"`
	} `json:"tracks"`
	LastTrackAddedAt *time.Time `json:"last_track_added_at"`
}

func (p playlistPayload) toPlaylist() Playlist {
	pl := Playlist{
		ID:               p.ID,
		Name:             p.Name,
		Owner:            p.Owner.DisplayName,
		Description:      p.Description,
		URL:              p.URL,
		LastTrackAddedAt: p.LastTrackAddedAt,
	}
	if p.Followers != nil {
		followers := p.Followers.Total
		pl.Followers = &followers
	}
	if p.Tracks != nil {
		tracks := p.Tracks.Total
		pl.TrackCount = &tracks
	}
	return pl
}

func (p playlistPayload) toMetadata() scan.Metadata {
	pl := p.toPlaylist()
	return scan.Metadata{
		PlaylistID:       pl.ID,
		Name:             pl.Name,
		Owner:            pl.Owner,
		Followers:        pl.Followers,
		TrackCount:       pl.TrackCount,
		Description:      pl.Description,
		URL:              pl.URL,
		LastTrackAddedAt: pl.LastTrackAddedAt,
		Resolved:         true,
	}
}

// ResolvePlaylistID extracts a playlist ID from an ad-hoc playlist URL; the
// last non-empty path segment is the ID. An already-bare ID passes through.
func ResolvePlaylistID(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty playlist reference")
	}
	if !strings.Contains(raw, "/") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse playlist url: %w", err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	id := segments[len(segments)-1]
	if id == "" {
		return "", fmt.Errorf("no playlist id in url %q", raw)
	}
	return id, nil
}
