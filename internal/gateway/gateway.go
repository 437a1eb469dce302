package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/dispatchd/internal/config"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/llm"
	"github.com/mattjoyce/dispatchd/internal/log"
)

// Config holds gateway tuning. Models is the ordered fallback chain; the first
// entry is the primary.
type Config struct {
	Models     []string
	TokenLimit int
	Sampling   llm.Sampling
	Timeout    time.Duration
	CacheTTL   time.Duration
	CacheMax   int
	Retry      RetryPolicy
	Breaker    BreakerConfig
}

// ConfigFromFile maps the YAML gateway section onto a gateway Config.
func ConfigFromFile(c config.GatewayConfig) Config {
	return Config{
		Models:     append([]string(nil), c.Models...),
		TokenLimit: c.TokenLimit,
		Sampling:   llm.Sampling{Temperature: c.Temperature},
		Timeout:    c.Timeout,
		CacheTTL:   c.CacheTTL,
		CacheMax:   c.CacheMax,
		Retry: RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
			Multiplier:  c.Retry.Multiplier,
			Jitter:      c.Retry.Jitter,
		},
		Breaker: BreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			ResetTimeout:     c.Breaker.ResetTimeout,
			SuccessThreshold: c.Breaker.SuccessThreshold,
		},
	}
}

// Option customizes a Gateway.
type Option func(*Gateway)

func WithEvents(sink events.Sink) Option {
	return func(g *Gateway) { g.events = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(g *Gateway) { g.sleep = fn }
}

// WithClock replaces the clock used by breakers and the cache.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// CallOptions are per-call overrides.
type CallOptions struct {
	System   string
	Sampling *llm.Sampling
	// Models overrides the configured fallback chain for this call.
	Models []string
}

// Result is the outcome of a successful call.
type Result struct {
	Text           string `json:"text"`
	ModelUsed      string `json:"model_used"`
	Cached         bool   `json:"cached"`
	Fallback       bool   `json:"fallback"`
	FallbackReason string `json:"fallback_reason,omitempty"`
	UsageTokens    int    `json:"usage_tokens"`
}

// Gateway calls the model backend with caching, a breaker per model, retry
// with backoff, and a staged fallback chain.
type Gateway struct {
	backend llm.Backend
	cfg     Config
	cache   *Cache
	events  events.Sink
	logger  *slog.Logger
	sleep   SleepFunc
	now     func() time.Time
	flight  singleflight.Group

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func New(backend llm.Backend, cfg Config, opts ...Option) *Gateway {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	g := &Gateway{
		backend:  backend,
		cfg:      cfg,
		events:   events.Discard,
		sleep:    sleepContext,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = log.WithComponent("gateway")
	}
	g.cache = NewCache(cfg.CacheTTL, cfg.CacheMax)
	g.cache.now = g.now
	return g
}

// Call sends prompt through the fallback chain. tokenLimit <= 0 uses the
// configured limit.
func (g *Gateway) Call(ctx context.Context, prompt string, tokenLimit int, cacheEnabled bool, opts CallOptions) (Result, error) {
	chain := opts.Models
	if len(chain) == 0 {
		chain = g.cfg.Models
	}
	if len(chain) == 0 {
		return Result{}, &Error{Kind: KindAuthOrConfig, Err: errors.New("no models configured")}
	}
	if tokenLimit <= 0 {
		tokenLimit = g.cfg.TokenLimit
	}
	sampling := g.cfg.Sampling
	if opts.Sampling != nil {
		sampling = *opts.Sampling
	}
	messages := llm.UserPrompt(opts.System, prompt)

	g.logger.Debug("model call", "models", chain, "token_limit", tokenLimit, "prompt", log.Summary(prompt, 80))

	if !cacheEnabled {
		return g.runChain(ctx, chain, messages, sampling, tokenLimit, false)
	}

	// Identical concurrent requests share one backend round trip. The shared
	// call is detached from any single caller; each caller still returns as
	// soon as its own context ends.
	key := CacheKey(strings.Join(chain, ","), messages, sampling, tokenLimit)
	shared := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(key, func() (any, error) {
		res, err := g.runChain(shared, chain, messages, sampling, tokenLimit, true)
		return res, err
	})
	select {
	case r := <-ch:
		return r.Val.(Result), r.Err
	case <-ctx.Done():
		return Result{}, &Error{Kind: KindCanceled, Err: ctx.Err()}
	}
}

func (g *Gateway) runChain(ctx context.Context, chain []string, messages []llm.Message, sampling llm.Sampling, tokenLimit int, cacheEnabled bool) (Result, error) {
	var failures []StageFailure

	for i, model := range chain {
		stage := stageLabel(chain, i)
		key := CacheKey(model, messages, sampling, tokenLimit)

		if cacheEnabled {
			if resp, ok := g.cache.Get(key); ok {
				g.events.Emit(events.Trace{
					Level:     events.LevelDebug,
					Operation: "gateway.cache_hit",
					Fields:    map[string]any{"model": model, "stage": stage},
				})
				return g.result(resp, model, true, failures), nil
			}
		}

		resp, err := g.callModel(ctx, stage, llm.Request{
			Model:      model,
			Messages:   messages,
			TokenLimit: tokenLimit,
			Sampling:   sampling,
		})
		if err == nil {
			if cacheEnabled {
				g.cache.Put(key, resp)
			}
			return g.result(resp, model, false, failures), nil
		}
		if ctx.Err() != nil {
			return Result{}, &Error{Kind: KindCanceled, Model: model, Err: ctx.Err()}
		}

		failures = append(failures, StageFailure{Stage: stage, Model: model, Err: err})
		if i+1 < len(chain) {
			g.events.Emit(events.Trace{
				Level:     events.LevelWarn,
				Operation: "gateway.fallback",
				ErrorType: string(Classify(err)),
				Fields: map[string]any{
					"failed_stage": stage,
					"failed_model": model,
					"next_stage":   stageLabel(chain, i+1),
					"next_model":   chain[i+1],
				},
			})
		}
	}

	chainErr := &ChainError{Failures: failures}
	g.events.Emit(events.Trace{
		Level:     events.LevelError,
		Operation: "gateway.chain_exhausted",
		ErrorType: string(KindExhausted),
		Fields:    map[string]any{"models": chainErr.Models()},
	})
	return Result{}, chainErr
}

// callModel runs one stage: breaker admission, per-attempt timeout and retry.
func (g *Gateway) callModel(ctx context.Context, stage string, req llm.Request) (llm.Response, error) {
	br := g.Breaker(req.Model)

	var resp llm.Response
	hook := func(attempt int, kind Kind, delay time.Duration, err error) {
		g.events.Emit(events.Trace{
			Level:     events.LevelWarn,
			Operation: "gateway.retry",
			Attempt:   attempt,
			ErrorType: string(kind),
			Delay:     delay,
			Fields:    map[string]any{"model": req.Model, "stage": stage},
		})
	}

	attempts, err := Retry(ctx, g.cfg.Retry, g.sleep, hook, func(ctx context.Context, attempt int) error {
		if err := br.Allow(); err != nil {
			g.events.Emit(events.Trace{
				Level:     events.LevelWarn,
				Operation: "gateway.circuit_rejected",
				Attempt:   attempt,
				ErrorType: string(KindCircuitOpen),
				Fields:    map[string]any{"model": req.Model, "stage": stage},
			})
			return &Error{Kind: KindCircuitOpen, Model: req.Model, Attempts: attempt, Err: err}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if g.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		}
		r, err := g.backend.Complete(attemptCtx, req)
		cancel()

		if err == nil && strings.TrimSpace(r.Text) == "" {
			err = &Error{Kind: KindMalformed, Model: req.Model, Attempts: attempt, Err: errors.New("empty completion")}
		}
		br.Done(err)
		if err != nil {
			kind := Classify(err)
			g.events.Emit(events.Trace{
				Level:     events.LevelWarn,
				Operation: "gateway.attempt_failed",
				Attempt:   attempt,
				ErrorType: string(kind),
				Fields:    map[string]any{"model": req.Model, "stage": stage, "error": log.Summary(err.Error(), 200)},
			})
			var gwErr *Error
			if errors.As(err, &gwErr) {
				return err
			}
			return &Error{Kind: kind, Model: req.Model, Attempts: attempt, Err: err}
		}
		resp = r
		return nil
	})
	if err != nil {
		if Classify(err).Retryable() && attempts >= g.cfg.Retry.MaxAttempts {
			return llm.Response{}, &Error{Kind: KindExhausted, Model: req.Model, Attempts: attempts, Err: err}
		}
		return llm.Response{}, err
	}
	if resp.ModelUsed == "" {
		resp.ModelUsed = req.Model
	}
	return resp, nil
}

func (g *Gateway) result(resp llm.Response, model string, cached bool, failures []StageFailure) Result {
	res := Result{
		Text:        resp.Text,
		ModelUsed:   resp.ModelUsed,
		Cached:      cached,
		UsageTokens: resp.UsageTokens,
	}
	if res.ModelUsed == "" {
		res.ModelUsed = model
	}
	if len(failures) > 0 {
		res.Fallback = true
		res.FallbackReason = fallbackReason(failures)
	}
	return res
}

func fallbackReason(failures []StageFailure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s model %s failed: %v", f.Stage, f.Model, f.Err))
	}
	return strings.Join(parts, "; ")
}

// stageLabel names a chain position: primary, primary-retry when the second
// entry repeats the primary, fallback-N otherwise.
func stageLabel(chain []string, i int) string {
	switch {
	case i == 0:
		return "primary"
	case i == 1 && chain[1] == chain[0]:
		return "primary-retry"
	case i == len(chain)-1 && i > 1:
		return "baseline"
	default:
		return fmt.Sprintf("fallback-%d", i)
	}
}

// Breaker returns the breaker guarding model, creating it on first use.
func (g *Gateway) Breaker(model string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if br, ok := g.breakers[model]; ok {
		return br
	}
	br := NewBreaker(model, g.cfg.Breaker)
	br.now = g.now
	br.CountFailures(func(err error) bool { return Classify(err).Retryable() })
	br.OnTransition(func(name string, from, to State, snap BreakerSnapshot) {
		level := events.LevelInfo
		if to == StateOpen {
			level = events.LevelError
		}
		g.events.Emit(events.Trace{
			Level:     level,
			Operation: "gateway.circuit_transition",
			Fields: map[string]any{
				"model":         name,
				"from":          string(from),
				"to":            string(to),
				"failure_count": snap.FailureCount,
			},
		})
	})
	g.breakers[model] = br
	return br
}

// Breakers returns snapshots of every breaker, sorted by model.
func (g *Gateway) Breakers() []BreakerSnapshot {
	g.mu.Lock()
	list := make([]*Breaker, 0, len(g.breakers))
	for _, br := range g.breakers {
		list = append(list, br)
	}
	g.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, br := range list {
		out = append(out, br.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PruneCache drops expired cache entries.
func (g *Gateway) PruneCache() int {
	return g.cache.Prune()
}
