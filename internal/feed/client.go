package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"ghrelay/internal/event"
	logx "ghrelay/pkg/logx"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultAPIBase   = "https://api.github.com"
	DefaultMaxEvents = 30

	cacheSize     = 1024
	maxBodyBytes  = 4 << 20
	enrichWorkers = 4
)

type Config struct {
	Username       string
	Token          string // optional; raises the API rate limit
	MaxEvents      int
	APIBase        string
	RequestTimeout time.Duration // per request, default 10s
	CacheTTL       time.Duration // enrichment cache, default 1h
}

func (c Config) withDefaults() Config {
	if c.MaxEvents <= 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	c.MaxEvents = min(c.MaxEvents, 100)
	if strings.TrimSpace(c.APIBase) == "" {
		c.APIBase = DefaultAPIBase
	}
	c.APIBase = strings.TrimRight(strings.TrimSpace(c.APIBase), "/")
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	return c
}

// Error is a failed feed request. Enrichment failures are logged, never returned.
type Error struct {
	StatusCode int // 0 for transport errors
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("feed: http %d: %v", e.StatusCode, e.Err)
	}
	return "feed: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

type Option func(*Client)

// WithHTTPClient sets the base client; the bearer transport wraps its Transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.base = hc
		}
	}
}

type Client struct {
	cfg  Config
	log  logx.Logger
	base *http.Client
	hc   *http.Client

	repos   *expirable.LRU[string, event.RepoInfo]
	avatars *expirable.LRU[string, string]
}

func New(cfg Config, log logx.Logger, opts ...Option) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		log:     log,
		base:    http.DefaultClient,
		repos:   expirable.NewLRU[string, event.RepoInfo](cacheSize, nil, cfg.CacheTTL),
		avatars: expirable.NewLRU[string, string](cacheSize, nil, cfg.CacheTTL),
	}
	for _, o := range opts {
		o(c)
	}
	c.hc = c.base
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.base)
		c.hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}
	return c
}

// Fetch returns the current feed page, oldest first, with enrichment attached.
func (c *Client) Fetch(ctx context.Context) ([]event.Record, error) {
	q := url.Values{"per_page": {strconv.Itoa(c.cfg.MaxEvents)}}
	u := fmt.Sprintf("%s/users/%s/received_events?%s", c.cfg.APIBase, url.PathEscape(c.cfg.Username), q.Encode())

	var raw []rawEvent
	if err := c.getJSON(ctx, u, &raw); err != nil {
		return nil, err
	}

	recs := make([]event.Record, 0, len(raw))
	// The feed is newest first.
	for i := len(raw) - 1; i >= 0; i-- {
		recs = append(recs, toRecord(raw[i]))
	}
	event.SortOldestFirst(recs)

	c.enrich(ctx, recs)
	return recs, nil
}

// enrich fills RepoInfo and missing avatars. Lookups run in parallel, once
// per distinct repo or actor.
func (c *Client) enrich(ctx context.Context, recs []event.Record) {
	var repoNames, logins []string
	for _, r := range recs {
		if r.Repo != "" && !slices.Contains(repoNames, r.Repo) {
			repoNames = append(repoNames, r.Repo)
		}
		if r.ActorAvatar == "" && r.Actor != "" && !slices.Contains(logins, r.Actor) {
			logins = append(logins, r.Actor)
		}
	}

	var (
		mu      sync.Mutex
		repos   = make(map[string]event.RepoInfo, len(repoNames))
		avatars = make(map[string]string, len(logins))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichWorkers)
	for _, name := range repoNames {
		g.Go(func() error {
			if info, ok := c.repoInfo(gctx, name); ok {
				mu.Lock()
				repos[name] = info
				mu.Unlock()
			}
			return nil
		})
	}
	for _, login := range logins {
		g.Go(func() error {
			if a, ok := c.avatar(gctx, login); ok {
				mu.Lock()
				avatars[login] = a
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range recs {
		recs[i].RepoInfo = repos[recs[i].Repo]
		if recs[i].ActorAvatar == "" {
			recs[i].ActorAvatar = avatars[recs[i].Actor]
		}
	}
}

func (c *Client) repoInfo(ctx context.Context, name string) (event.RepoInfo, bool) {
	if info, ok := c.repos.Get(name); ok {
		return info, true
	}
	var body struct {
		Description *string `json:"description"`
		Language    *string `json:"language"`
		Stars       int     `json:"stargazers_count"`
	}
	if err := c.getJSON(ctx, c.cfg.APIBase+"/repos/"+name, &body); err != nil {
		c.log.Debug("repo lookup failed", logx.String("repo", name), logx.Err(err))
		return event.RepoInfo{}, false
	}
	info := event.RepoInfo{Stars: body.Stars}
	if body.Description != nil {
		info.Description = *body.Description
	}
	if body.Language != nil {
		info.Language = *body.Language
	}
	c.repos.Add(name, info)
	return info, true
}

func (c *Client) avatar(ctx context.Context, login string) (string, bool) {
	if a, ok := c.avatars.Get(login); ok {
		return a, true
	}
	var body struct {
		AvatarURL string `json:"avatar_url"`
	}
	if err := c.getJSON(ctx, c.cfg.APIBase+"/users/"+url.PathEscape(login), &body); err != nil {
		c.log.Debug("avatar lookup failed", logx.String("actor", login), logx.Err(err))
		return "", false
	}
	c.avatars.Add(login, body.AvatarURL)
	return body.AvatarURL, true
}

func (c *Client) getJSON(ctx context.Context, u string, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &Error{Err: err}
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "ghrelay")

	resp, err := c.hc.Do(req)
	if err != nil {
		return &Error{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s", strings.TrimSpace(string(snippet)))
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			err = errors.New("rate limit exceeded")
			if reset, perr := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); perr == nil {
				err = fmt.Errorf("rate limit exceeded until %s", time.Unix(reset, 0).UTC().Format(time.RFC3339))
			}
		}
		return &Error{StatusCode: resp.StatusCode, Err: err}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(dst); err != nil {
		return &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
