// Package dispatch posts signed messages to chat webhooks.
//
// Each Deliver call owns its retries. A failure on one endpoint never affects
// another; the only shared state is the per-webhook token bucket.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ghrelay/internal/channel"
	"ghrelay/internal/render"
	"ghrelay/internal/sign"
	logx "ghrelay/pkg/logx"

	"golang.org/x/time/rate"
)

// Business codes that mean "slow down" rather than "rejected".
const (
	dingTalkCodeRateLimited = 130101
	feishuCodeRateLimited   = 9499
	feishuCodeTooFrequent   = 11232
)

const maxResponseBody = 64 << 10

// Config controls retries, timeouts and rate limiting.
type Config struct {
	MaxAttempts    int           // default 3
	RetryBase      time.Duration // default 500ms
	RetryMaxDelay  time.Duration // default 10s
	RequestTimeout time.Duration // per attempt, default 10s
	// RatePerMin caps messages per webhook. 0 means 20 (DingTalk's limit), negative disables.
	RatePerMin int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RatePerMin == 0 {
		c.RatePerMin = 20
	}
	return c
}

// Outcome is the result of delivering one message to one endpoint.
type Outcome struct {
	EventID    string
	Endpoint   string
	Channel    channel.Type
	Success    bool
	Attempts   int
	StatusCode int
	LastError  error
	Took       time.Duration
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Dispatcher)

// WithClock overrides the time source used for signing.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithHTTPClient sets the HTTP client. Per-attempt timeouts come from Config, not the client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:      cfg.withDefaults(),
		client:   &http.Client{},
		log:      log,
		now:      time.Now,
		limiters: map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Deliver signs and posts msg to ep, retrying transient failures.
func (d *Dispatcher) Deliver(ctx context.Context, ep channel.Endpoint, msg render.Message) (out Outcome) {
	start := time.Now()
	out = Outcome{EventID: msg.EventID, Endpoint: ep.Label(), Channel: ep.Channel}
	defer func() { out.Took = time.Since(start) }()

	lim := d.limiter(ep.WebhookURL)
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				out.LastError = err
				return out
			}
		}

		out.Attempts = attempt
		status, err := d.attempt(ctx, ep, msg)
		out.StatusCode = status
		if err == nil {
			out.Success = true
			out.LastError = nil
			return out
		}
		out.LastError = err

		var te *TransientError
		if !errors.As(err, &te) {
			d.log.Warn("delivery rejected",
				logx.String("endpoint", out.Endpoint),
				logx.Host("webhook", ep.WebhookURL),
				logx.String("event", msg.EventID),
				logx.Int("status", status),
				logx.Err(err),
			)
			return out
		}
		d.log.Debug("delivery attempt failed",
			logx.String("endpoint", out.Endpoint),
			logx.String("event", msg.EventID),
			logx.Int("attempt", attempt),
			logx.Int("max", d.cfg.MaxAttempts),
			logx.Err(err),
		)
		if attempt >= d.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}

		delay := retryDelay(d.cfg, attempt)
		if after := te.RetryAfter(); after > 0 {
			delay = min(after, d.cfg.RetryMaxDelay)
		}
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return out
		}
	}
	return out
}

func (d *Dispatcher) attempt(ctx context.Context, ep channel.Endpoint, msg render.Message) (int, error) {
	// Signatures are timestamp-bound, so each attempt signs afresh.
	signed, err := sign.Sign(msg, ep.Secret, ep.Channel, d.now())
	if err != nil {
		return 0, &PermanentError{Err: err}
	}
	target, err := signed.URL(ep.WebhookURL)
	if err != nil {
		return 0, &PermanentError{Err: err}
	}

	actx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(actx, http.MethodPost, target, bytes.NewReader(signed.Body))
	if err != nil {
		return 0, &PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, classify(ep.Channel, resp, body)
}

// channelReply covers both platforms: DingTalk uses errcode/errmsg, Feishu
// code/msg (older hooks StatusCode/StatusMessage).
type channelReply struct {
	ErrCode       *int   `json:"errcode"`
	ErrMsg        string `json:"errmsg"`
	Code          *int   `json:"code"`
	Msg           string `json:"msg"`
	StatusCode    *int   `json:"StatusCode"`
	StatusMessage string `json:"StatusMessage"`
}

func (r channelReply) result() (int, string) {
	switch {
	case r.ErrCode != nil:
		return *r.ErrCode, r.ErrMsg
	case r.Code != nil:
		return *r.Code, r.Msg
	case r.StatusCode != nil:
		return *r.StatusCode, r.StatusMessage
	}
	return 0, ""
}

func classify(ch channel.Type, resp *http.Response, body []byte) error {
	status := resp.StatusCode
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{StatusCode: status, Msg: snippet, After: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case status < 200 || status > 299:
		return &PermanentError{StatusCode: status, Msg: snippet}
	}

	var reply channelReply
	if err := json.Unmarshal(body, &reply); err != nil {
		// A 2xx without a JSON body is treated as accepted.
		return nil
	}
	code, m := reply.result()
	if code == 0 {
		return nil
	}
	if rateLimitCode(ch, code) {
		return &TransientError{StatusCode: status, Code: code, Msg: m, After: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	}
	return &PermanentError{StatusCode: status, Code: code, Msg: m}
}

func rateLimitCode(ch channel.Type, code int) bool {
	switch ch {
	case channel.DingTalk:
		return code == dingTalkCodeRateLimited
	case channel.Feishu:
		return code == feishuCodeRateLimited || code == feishuCodeTooFrequent
	}
	return false
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func (d *Dispatcher) limiter(key string) *rate.Limiter {
	if d.cfg.RatePerMin < 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[key]
	if !ok {
		// Burst = per-minute budget, refilled evenly across the minute.
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(d.cfg.RatePerMin)), d.cfg.RatePerMin)
		d.limiters[key] = lim
	}
	return lim
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

// String is used in log lines.
func (o Outcome) String() string {
	if o.Success {
		return fmt.Sprintf("%s ok attempts=%d", o.Endpoint, o.Attempts)
	}
	return fmt.Sprintf("%s failed attempts=%d err=%v", o.Endpoint, o.Attempts, o.LastError)
}
