// Package llmgateway routes provider-agnostic chat completion and embedding
// requests to configured LLM providers.
//
// A Gateway resolves each request to a provider and model through the
// provider Registry and model Catalog, reserves a slot in the provider's
// rate-limit window, dispatches the call (optionally streaming), fails over
// across alternate providers when the caller did not pin one, and records
// exactly one usage record per call.
//
// Build one explicitly with New, or from a config file with LoadConfig and
// NewFromConfig.
package llmgateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ferro-labs/llm-gateway/internal/configstore"
	"github.com/ferro-labs/llm-gateway/internal/logging"
	"github.com/ferro-labs/llm-gateway/internal/metrics"
	"github.com/ferro-labs/llm-gateway/models"
	"github.com/ferro-labs/llm-gateway/providers"
	"github.com/ferro-labs/llm-gateway/ratelimit"
	"github.com/ferro-labs/llm-gateway/usage"
)

// DefaultRetryBackoff is the wait before the first same-provider retry.
// Each further retry doubles it, up to maxRetryBackoff.
const DefaultRetryBackoff = 100 * time.Millisecond

const maxRetryBackoff = 10 * time.Second

// ChatCompletionParams is a chat completion call. Provider pins the call to
// one provider and disables failover; Model selects a model, falling back to
// the provider's default. When Stream is set every chunk is handed to
// OnChunk as it arrives.
type ChatCompletionParams struct {
	Provider string
	Model    string
	Messages []providers.Message
	Options  providers.Options
	Stream   bool
	OnChunk  func(providers.StreamChunk) error
}

// EmbeddingParams is an embedding call. Provider and Model behave as in
// ChatCompletionParams.
type EmbeddingParams struct {
	Provider string
	Model    string
	Input    []string
	User     string
}

// Gateway is the entry point for routing LLM requests.
type Gateway struct {
	registry *providers.Registry
	catalog  *models.Catalog
	limiter  ratelimit.Limiter
	writer   usage.Writer
	tracker  *usage.Tracker
	store    configstore.Store
	log      *slog.Logger
	backoff  time.Duration
	now      func() time.Time
	closers  []io.Closer

	discoveryMu     sync.Mutex
	discoveryCancel context.CancelFunc
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLimiter sets the rate-limit backend. The default is an in-process
// ratelimit.Store.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithUsageWriter persists usage records through w.
func WithUsageWriter(w usage.Writer) Option {
	return func(g *Gateway) { g.writer = w }
}

// WithTracker sets the usage tracker directly; it takes precedence over
// WithUsageWriter.
func WithTracker(t *usage.Tracker) Option {
	return func(g *Gateway) { g.tracker = t }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithRetryBackoff sets the base wait between same-provider retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(g *Gateway) { g.backoff = d }
}

// WithProviderStore connects the persistent provider store read by Reload.
func WithProviderStore(s configstore.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// withClosers hands resources created during bootstrap to the gateway so
// Close releases them.
func withClosers(c ...io.Closer) Option {
	return func(g *Gateway) { g.closers = append(g.closers, c...) }
}

// New creates a Gateway over registry and catalog. The registry should be
// built with providers.WithCatalog(catalog) so static models reach the
// catalog; a nil registry gets one wired that way, and a nil catalog gets an
// in-memory one.
func New(registry *providers.Registry, catalog *models.Catalog, opts ...Option) *Gateway {
	if catalog == nil {
		catalog = models.NewCatalog(nil)
	}
	g := &Gateway{
		catalog: catalog,
		log:     slog.Default(),
		backoff: DefaultRetryBackoff,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if registry == nil {
		registry = providers.NewRegistry(providers.WithCatalog(catalog), providers.WithLogger(g.log))
	}
	g.registry = registry
	if g.limiter == nil {
		g.limiter = ratelimit.NewStore()
	}
	if g.tracker == nil {
		g.tracker = usage.NewTracker(g.writer, g.log)
	}
	return g
}

// Registry returns the provider registry.
func (g *Gateway) Registry() *providers.Registry { return g.registry }

// Catalog returns the model catalog.
func (g *Gateway) Catalog() *models.Catalog { return g.catalog }

// candidate is one provider/model pair a call may be dispatched to.
type candidate struct {
	entry *providers.Entry
	model string
}

// callState accumulates what the usage record of one call needs.
type callState struct {
	endpoint   usage.Endpoint
	stream     bool
	provider   string
	ptype      string
	model      string
	dispatched time.Time
	attempts   int
	failover   bool
	usage      providers.Usage
}

// CreateChatCompletion resolves, rate-limits and dispatches a chat
// completion. Without a pinned provider, failed candidates fail over to the
// next active provider in priority order.
func (g *Gateway) CreateChatCompletion(ctx context.Context, p ChatCompletionParams) (resp *providers.Response, err error) {
	st := &callState{endpoint: usage.EndpointChat, stream: p.Stream, provider: p.Provider, model: p.Model}
	defer func() {
		g.finish(ctx, st, err)
		err = publicError(err)
	}()

	req := providers.Request{Messages: p.Messages, Options: p.Options, Stream: p.Stream}
	if err = req.Validate(); err != nil {
		return nil, err
	}
	if p.Stream && p.OnChunk == nil {
		return nil, providers.Validationf("stream", "streaming requires a chunk callback")
	}

	cands, err := g.resolve(ctx, p.Provider, p.Model, usage.EndpointChat)
	if err != nil {
		return nil, err
	}

	err = g.execute(ctx, cands, p.Provider != "", st, func(ctx context.Context, c candidate) error {
		r := req
		r.Model = c.model
		var out *providers.Response
		var cerr error
		if p.Stream {
			out, cerr = g.stream(ctx, c, r, st, p.OnChunk)
		} else {
			out, cerr = c.entry.Client.Complete(ctx, r)
		}
		if cerr != nil {
			return cerr
		}
		resp = normalizeResponse(out, c, g.now())
		st.usage = resp.Usage
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateEmbedding resolves and dispatches an embedding call under the same
// policy as CreateChatCompletion, restricted to embedding-capable models.
func (g *Gateway) CreateEmbedding(ctx context.Context, p EmbeddingParams) (resp *providers.EmbeddingResponse, err error) {
	st := &callState{endpoint: usage.EndpointEmbedding, provider: p.Provider, model: p.Model}
	defer func() {
		g.finish(ctx, st, err)
		err = publicError(err)
	}()

	req := providers.EmbeddingRequest{Input: p.Input, User: p.User}
	if err = req.Validate(); err != nil {
		return nil, err
	}

	cands, err := g.resolve(ctx, p.Provider, p.Model, usage.EndpointEmbedding)
	if err != nil {
		return nil, err
	}

	err = g.execute(ctx, cands, p.Provider != "", st, func(ctx context.Context, c candidate) error {
		r := req
		r.Model = c.model
		out, cerr := c.entry.Client.Embed(ctx, r)
		if cerr != nil {
			return cerr
		}
		if out.Object == "" {
			out.Object = "list"
		}
		if out.Model == "" {
			out.Model = c.model
		}
		if out.Provider == "" {
			out.Provider = c.entry.Name()
		}
		resp = out
		st.usage = out.Usage
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func normalizeResponse(out *providers.Response, c candidate, now time.Time) *providers.Response {
	if out == nil {
		out = &providers.Response{}
	}
	if out.Object == "" {
		out.Object = "chat.completion"
	}
	if out.Created == 0 {
		out.Created = now.Unix()
	}
	if out.Model == "" {
		out.Model = c.model
	}
	if out.Provider == "" {
		out.Provider = c.entry.Name()
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}
	return out
}

// publicError strips the internal stream wrapper before an error reaches
// the caller.
func publicError(err error) error {
	var se *streamError
	if errors.As(err, &se) {
		return se.err
	}
	return err
}

func defaultModelFor(ep usage.Endpoint, cfg providers.Config) string {
	if ep == usage.EndpointEmbedding {
		return cfg.EmbeddingModel
	}
	return cfg.DefaultModel
}

func accepts(ep usage.Endpoint, m models.Model) bool {
	if ep == usage.EndpointEmbedding {
		return m.IsEmbeddingModel
	}
	return m.IsChatModel || !m.IsEmbeddingModel
}

// activeEntries returns the active providers in dispatch order: priority,
// then the default provider among equals, then name.
func (g *Gateway) activeEntries() []*providers.Entry {
	active := g.registry.ActiveProvider()
	var out []*providers.Entry
	for _, e := range g.registry.Entries() {
		if e.Config.Active() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Config.Priority, out[j].Config.Priority
		if pi != pj {
			return pi < pj
		}
		return out[i].Name() == active && out[j].Name() != active
	})
	return out
}

func (g *Gateway) offering(entries []*providers.Entry, model string, ep usage.Endpoint) []candidate {
	var out []candidate
	for _, e := range entries {
		if m, ok := g.catalog.Lookup(model, e.Name()); ok && m.IsActive && accepts(ep, m) {
			out = append(out, candidate{entry: e, model: model})
		}
	}
	return out
}

// resolve turns the requested provider and model into dispatch candidates.
// A pinned provider yields exactly one candidate.
func (g *Gateway) resolve(ctx context.Context, provider, model string, ep usage.Endpoint) ([]candidate, error) {
	if provider != "" {
		e, ok := g.registry.Lookup(provider)
		if !ok {
			return nil, providers.Validationf("provider", "unknown provider %q", provider)
		}
		if !e.Config.Active() {
			return nil, providers.Validationf("provider", "provider %q is disabled", provider)
		}
		if model == "" {
			model = defaultModelFor(ep, e.Config)
			if model == "" {
				return nil, providers.Validationf("model", "provider %q has no default %s model", provider, ep)
			}
		}
		m, err := g.catalog.Resolve(ctx, model, provider, g.registry)
		if err != nil {
			return nil, &providers.ValidationError{Field: "model", Message: err.Error()}
		}
		if !m.IsActive || !accepts(ep, m) {
			return nil, providers.Validationf("model", "model %q on provider %q does not support %s", model, provider, ep)
		}
		return []candidate{{entry: e, model: model}}, nil
	}

	entries := g.activeEntries()
	if len(entries) == 0 {
		return nil, providers.Validationf("provider", "no active providers are registered")
	}

	if model == "" {
		var out []candidate
		for _, e := range entries {
			if dm := defaultModelFor(ep, e.Config); dm != "" {
				out = append(out, candidate{entry: e, model: dm})
			}
		}
		if len(out) == 0 {
			return nil, providers.Validationf("model", "no active provider has a default %s model", ep)
		}
		return out, nil
	}

	if out := g.offering(entries, model, ep); len(out) > 0 {
		return out, nil
	}
	// Cold cache: give dynamic providers one chance to report the model.
	if _, err := g.catalog.Resolve(ctx, model, "", g.registry); err != nil {
		return nil, &providers.ValidationError{Field: "model", Message: err.Error()}
	}
	if out := g.offering(g.activeEntries(), model, ep); len(out) > 0 {
		return out, nil
	}
	return nil, providers.Validationf("model", "no active provider offers %s model %q", ep, model)
}

// execute runs fn against each candidate in turn until one succeeds. Only
// unpinned calls move past the first candidate.
func (g *Gateway) execute(ctx context.Context, cands []candidate, pinned bool, st *callState, fn func(context.Context, candidate) error) error {
	var failures []ProviderFailure
	for i, c := range cands {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			st.failover = true
			metrics.Failovers.WithLabelValues(cands[i-1].entry.Name()).Inc()
		}
		st.provider, st.ptype, st.model = c.entry.Name(), string(c.entry.Config.Type), c.model
		if st.dispatched.IsZero() {
			st.dispatched = g.now()
		}

		err := g.reserve(ctx, c.entry)
		if err == nil {
			err = g.attempt(ctx, c, st, fn)
		}
		if err == nil {
			return nil
		}
		if pinned || !canFailOver(ctx, err) {
			return err
		}
		failures = append(failures, ProviderFailure{Provider: c.entry.Name(), Model: c.model, Err: err})
	}
	return combine(failures)
}

func canFailOver(ctx context.Context, err error) bool {
	if ctx.Err() != nil || providers.IsValidation(err) {
		return false
	}
	var se *streamError
	return !errors.As(err, &se)
}

// combine reports the earliest-resetting RateLimitError when every
// candidate was rate limited, and an AggregateError otherwise.
func combine(failures []ProviderFailure) error {
	var earliest *RateLimitError
	for _, f := range failures {
		var rle *RateLimitError
		if !errors.As(f.Err, &rle) {
			return &AggregateError{Failures: failures}
		}
		if earliest == nil || rle.ResetAt.Before(earliest.ResetAt) {
			earliest = rle
		}
	}
	if earliest == nil {
		return &AggregateError{Failures: failures}
	}
	return earliest
}

// attempt calls fn with same-provider retries for retryable provider
// errors.
func (g *Gateway) attempt(ctx context.Context, c candidate, st *callState, fn func(context.Context, candidate) error) error {
	retries := c.entry.Config.Retries()
	for n := 0; ; n++ {
		st.attempts++
		err := fn(ctx, c)
		if err == nil {
			return nil
		}
		var se *streamError
		if providers.IsValidation(err) || errors.As(err, &se) {
			return err
		}

		status := StatusCode(err)
		logging.With(ctx, g.log).Warn("provider attempt failed",
			"provider", c.entry.Name(),
			"model", c.model,
			"status", status,
			"attempt", n+1,
			"error", err.Error(),
		)
		metrics.ProviderErrors.WithLabelValues(c.entry.Name(), metrics.ErrorType(status)).Inc()

		var pe *providers.ProviderError
		if n >= retries || ctx.Err() != nil || !errors.As(err, &pe) || !pe.Retryable() {
			return err
		}
		if werr := sleepCtx(ctx, backoffFor(g.backoff, n)); werr != nil {
			return werr
		}
	}
}

func backoffFor(base time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << n
	if d <= 0 || d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Gateway) configureLimit(e *providers.Entry) {
	rl := e.Config.RateLimit
	g.limiter.Configure(e.Name(), rl.Requests, rl.WindowDuration())
}

// reserve takes one slot from the provider's window. A limiter backend
// failure is logged and the call proceeds.
func (g *Gateway) reserve(ctx context.Context, e *providers.Entry) error {
	g.configureLimit(e)
	st, ok, err := g.limiter.Reserve(ctx, e.Name())
	if err != nil {
		logging.With(ctx, g.log).Warn("rate limiter unavailable", "provider", e.Name(), "error", err.Error())
		return nil
	}
	if ok {
		return nil
	}
	metrics.RateLimitRejections.WithLabelValues(e.Name()).Inc()
	return &RateLimitError{Provider: e.Name(), Limit: st.Limit, ResetAt: st.ResetAt}
}

// finish emits the call's single usage record, metrics and log line.
func (g *Gateway) finish(ctx context.Context, st *callState, err error) {
	status := StatusCode(err)
	var se *streamError
	if errors.As(err, &se) && se.status != 0 {
		status = se.status
	}
	var latency time.Duration
	if !st.dispatched.IsZero() {
		latency = g.now().Sub(st.dispatched)
	}

	rec := usage.Record{
		RequestID:        logging.RequestIDFromContext(ctx),
		ProviderID:       st.provider,
		ModelID:          st.model,
		Endpoint:         st.endpoint,
		Stream:           st.stream,
		StatusCode:       status,
		PromptTokens:     st.usage.PromptTokens,
		CompletionTokens: st.usage.CompletionTokens,
		TotalTokens:      st.usage.TotalTokens,
		LatencyMs:        latency.Milliseconds(),
		Attempts:         st.attempts,
		FailoverUsed:     st.failover,
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
	}
	if cost, ok := models.EstimateCost(st.ptype, st.model, st.usage.PromptTokens, st.usage.CompletionTokens); ok {
		rec.CostUSD = cost
	}
	g.tracker.RecordUsage(ctx, rec)

	outcome := metrics.OutcomeSuccess
	switch {
	case status == 400 || status == 429:
		outcome = metrics.OutcomeRejected
	case err != nil:
		outcome = metrics.OutcomeError
	}
	metrics.RequestsTotal.WithLabelValues(st.provider, st.model, string(st.endpoint), outcome).Inc()
	if !st.dispatched.IsZero() {
		metrics.RequestDuration.WithLabelValues(st.provider, string(st.endpoint)).Observe(latency.Seconds())
	}

	log := logging.With(ctx, g.log)
	if err == nil {
		metrics.TokensInput.WithLabelValues(st.provider, st.model).Add(float64(st.usage.PromptTokens))
		metrics.TokensOutput.WithLabelValues(st.provider, st.model).Add(float64(st.usage.CompletionTokens))
		log.Info("request completed",
			"provider", st.provider,
			"model", st.model,
			"endpoint", string(st.endpoint),
			"latency_ms", rec.LatencyMs,
			"tokens_in", st.usage.PromptTokens,
			"tokens_out", st.usage.CompletionTokens,
			"attempts", st.attempts,
			"failover", st.failover,
		)
		return
	}
	level := slog.LevelError
	if status < 500 {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "request failed",
		"provider", st.provider,
		"model", st.model,
		"endpoint", string(st.endpoint),
		"status", status,
		"latency_ms", rec.LatencyMs,
		"attempts", st.attempts,
		"error", err.Error(),
	)
}

// GetActiveProviders returns the active providers in priority order.
func (g *Gateway) GetActiveProviders() []providers.Provider {
	var out []providers.Provider
	for _, p := range g.registry.Providers() {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

// GetActiveModels returns the active models of provider, or of every active
// provider when provider is empty.
func (g *Gateway) GetActiveModels(provider string) []models.Model {
	var names []string
	if provider != "" {
		e, ok := g.registry.Lookup(provider)
		if !ok || !e.Config.Active() {
			return nil
		}
		names = []string{provider}
	} else {
		for _, e := range g.activeEntries() {
			names = append(names, e.Name())
		}
	}
	var out []models.Model
	for _, name := range names {
		for _, m := range g.catalog.Models(name) {
			if m.IsActive {
				out = append(out, m)
			}
		}
	}
	return out
}

// GetRateLimitStatus reports the provider's current window without
// consuming from it.
func (g *Gateway) GetRateLimitStatus(ctx context.Context, provider string) (ratelimit.Status, error) {
	e, ok := g.registry.Lookup(provider)
	if !ok || provider == "" {
		return ratelimit.Status{}, providers.Validationf("provider", "unknown provider %q", provider)
	}
	g.configureLimit(e)
	st, err := g.limiter.Status(ctx, provider)
	if err != nil {
		return ratelimit.Status{}, fmt.Errorf("rate limit status for %s: %w", provider, err)
	}
	return st, nil
}

// SyncProviderModels refreshes a dynamic provider's catalog from its live
// model list.
func (g *Gateway) SyncProviderModels(ctx context.Context, provider string) ([]models.Model, error) {
	list, err := g.registry.SyncProviderModels(ctx, provider)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ModelSyncs.WithLabelValues(provider, result).Inc()
	return list, err
}

// TestAllConnections checks every registered provider concurrently.
func (g *Gateway) TestAllConnections(ctx context.Context) map[string]bool {
	return g.registry.TestAllConnections(ctx)
}

// Reload registers or updates every provider held in the persistent
// provider store and reloads synced models from the catalog store.
// Providers that fail validation are logged and skipped.
func (g *Gateway) Reload(ctx context.Context) error {
	if g.store != nil {
		cfgs, err := g.store.List(ctx)
		if err != nil {
			return fmt.Errorf("reload providers: %w", err)
		}
		for _, cfg := range cfgs {
			if _, exists := g.registry.Lookup(cfg.Name); exists && cfg.Name != "" {
				g.registry.UpdateProviderConfig(cfg.Name, cfg)
				continue
			}
			g.registry.RegisterProvider(cfg.Name, cfg)
		}
	}
	if err := g.catalog.LoadAll(ctx, g.registry.Names()); err != nil {
		return fmt.Errorf("reload catalog: %w", err)
	}
	g.log.Info("gateway reloaded", "providers", len(g.registry.Names()))
	return nil
}

// StartDiscovery syncs every dynamic provider now and then every interval
// until ctx is canceled or Close is called. Starting discovery again
// replaces the previous loop.
func (g *Gateway) StartDiscovery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("StartDiscovery: interval must be greater than zero, got %v", interval)
	}
	ctx, cancel := context.WithCancel(ctx)
	g.discoveryMu.Lock()
	if g.discoveryCancel != nil {
		g.discoveryCancel()
	}
	g.discoveryCancel = cancel
	g.discoveryMu.Unlock()

	go func() {
		g.runDiscovery(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.runDiscovery(ctx)
			}
		}
	}()
	return nil
}

func (g *Gateway) runDiscovery(ctx context.Context) {
	for _, name := range g.registry.DynamicProviders() {
		if ctx.Err() != nil {
			return
		}
		if _, err := g.SyncProviderModels(ctx, name); err != nil {
			g.log.Error("model discovery failed", "provider", name, "error", err.Error())
		}
	}
}

// Close stops discovery and releases the usage writer and any stores the
// gateway opened.
func (g *Gateway) Close() error {
	g.discoveryMu.Lock()
	if g.discoveryCancel != nil {
		g.discoveryCancel()
		g.discoveryCancel = nil
	}
	g.discoveryMu.Unlock()

	errs := []error{g.tracker.Close()}
	for _, c := range g.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
