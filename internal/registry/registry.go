// Package registry owns the provider set: construction from configuration,
// health tracking, candidate selection for dispatch, and shutdown. The
// registry is created explicitly and passed to its consumers; there is no
// package-level instance.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/modelrelay/modelrelay/internal/metrics"
	llmerrors "github.com/modelrelay/modelrelay/pkg/errors"
	"github.com/modelrelay/modelrelay/pkg/provider"
)

// Status is the registry's view of a provider's availability.
type Status int

const (
	// StatusHealthy providers receive traffic.
	StatusHealthy Status = iota
	// StatusDegraded providers receive traffic but have recent errors.
	StatusDegraded
	// StatusUnhealthy providers are skipped until a probe succeeds.
	StatusUnhealthy
	// StatusDisabled providers are administratively removed from rotation.
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

const (
	defaultHealthCacheTTL = 30 * time.Second
	defaultHealthInterval = 60 * time.Second
	defaultHealthTimeout  = 10 * time.Second
	defaultErrorThreshold = 3
)

// Config tunes registry health tracking.
type Config struct {
	// HealthCacheTTL is how long a probe result is reused before the
	// upstream is asked again.
	HealthCacheTTL time.Duration
	// HealthInterval is the background probe period.
	HealthInterval time.Duration
	// HealthTimeout bounds each individual probe.
	HealthTimeout time.Duration
	// ErrorThreshold is the consecutive error count at which a degraded
	// provider becomes unhealthy.
	ErrorThreshold int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HealthCacheTTL: defaultHealthCacheTTL,
		HealthInterval: defaultHealthInterval,
		HealthTimeout:  defaultHealthTimeout,
		ErrorThreshold: defaultErrorThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.HealthCacheTTL <= 0 {
		c.HealthCacheTTL = defaultHealthCacheTTL
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = defaultHealthTimeout
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = defaultErrorThreshold
	}
	return c
}

// SecretResolver resolves a credential reference (env://NAME, vault://path)
// to its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Spec describes one provider to construct.
type Spec struct {
	Provider provider.Config
	// APIKeyRef is the credential reference. Bare values are treated as
	// env:// references.
	APIKeyRef string
	// Priority orders candidates; lower dispatches first.
	Priority int
	// Forced routes all traffic to this provider regardless of priority.
	// At most one spec may set it.
	Forced bool
	// Enabled gates whether the provider enters rotation at all.
	Enabled bool
	// RateCeiling caps requests per second to this provider. Zero means
	// no ceiling.
	RateCeiling float64
	// RateBurst is the ceiling's burst allowance. Zero selects the
	// ceiling rounded up, minimum one.
	RateBurst int
}

// entry is one registered provider with its runtime state.
type entry struct {
	provider provider.Provider
	priority int
	forced   bool
	order    int
	ceiling  *rate.Limiter

	mu     sync.Mutex
	status Status
	errors int
	detail string
}

// Registry holds the constructed providers and tracks their health.
type Registry struct {
	cfg     Config
	entries []*entry
	byName  map[string]*entry
	cache   *gocache.Cache
	logger  *slog.Logger
	clock   clock.Clock
	started sync.Once
}

// New validates specs, resolves credentials, and constructs every enabled
// provider. Construction is partial-success: a provider that fails to
// initialize is logged and skipped, and the registry comes up with the rest.
// It fails only when no provider at all could be built.
func New(ctx context.Context, cfg Config, specs []Spec, factory provider.Factory, secrets SecretResolver, logger *slog.Logger) (*Registry, error) {
	return newWithClock(ctx, cfg, specs, factory, secrets, logger, clock.New())
}

func newWithClock(ctx context.Context, cfg Config, specs []Spec, factory provider.Factory, secrets SecretResolver, logger *slog.Logger, clk clock.Clock) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	if err := validate(specs); err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:    cfg,
		byName: make(map[string]*entry),
		cache:  gocache.New(cfg.HealthCacheTTL, 2*cfg.HealthCacheTTL),
		logger: logger,
		clock:  clk,
	}

	for _, spec := range specs {
		if !spec.Enabled {
			logger.Info("provider disabled by configuration", "provider", spec.Provider.Name)
			continue
		}

		pcfg := spec.Provider
		if spec.APIKeyRef != "" {
			key, err := secrets.Resolve(ctx, normalizeRef(spec.APIKeyRef))
			if err != nil {
				r.logInitError(&llmerrors.InitError{Provider: pcfg.Name, Err: err})
				continue
			}
			pcfg.APIKey = key
		}

		p, err := factory(pcfg)
		if err != nil {
			r.logInitError(&llmerrors.InitError{Provider: pcfg.Name, Err: err})
			continue
		}

		e := &entry{
			provider: p,
			priority: spec.Priority,
			forced:   spec.Forced,
			order:    len(r.entries),
			status:   StatusHealthy,
		}
		if spec.RateCeiling > 0 {
			burst := spec.RateBurst
			if burst <= 0 {
				burst = int(spec.RateCeiling)
				if burst < 1 {
					burst = 1
				}
			}
			e.ceiling = rate.NewLimiter(rate.Limit(spec.RateCeiling), burst)
		}
		r.entries = append(r.entries, e)
		r.byName[p.Name()] = e
		observeHealth(p.Name(), StatusHealthy)
		logger.Info("provider registered",
			"provider", p.Name(),
			"kind", p.Kind(),
			"priority", spec.Priority,
			"forced", spec.Forced,
		)
	}

	if len(r.entries) == 0 {
		return nil, errors.New("registry: no providers could be initialized")
	}
	return r, nil
}

func validate(specs []Spec) error {
	seen := make(map[string]struct{}, len(specs))
	forced := ""
	for _, spec := range specs {
		name := spec.Provider.Name
		if name == "" {
			return errors.New("registry: provider with empty name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("registry: duplicate provider name %q", name)
		}
		seen[name] = struct{}{}
		if spec.Forced && spec.Enabled {
			if forced != "" {
				return fmt.Errorf("registry: providers %q and %q both marked forced", forced, name)
			}
			forced = name
		}
	}
	return nil
}

// normalizeRef prepends the env scheme to bare references so plain variable
// names keep working.
func normalizeRef(ref string) string {
	if strings.Contains(ref, "://") {
		return ref
	}
	return "env://" + ref
}

func (r *Registry) logInitError(err *llmerrors.InitError) {
	r.logger.Error("provider initialization failed, continuing without it",
		"provider", err.Provider,
		"error", err.Err,
	)
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (provider.Provider, bool) {
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.provider.Name())
	}
	return names
}

// Models returns the union of models served by providers currently in
// rotation, deduplicated in first-seen order.
func (r *Registry) Models() []string {
	seen := make(map[string]struct{})
	var models []string
	for _, e := range r.entries {
		if s := e.currentStatus(); s == StatusDisabled || s == StatusUnhealthy {
			continue
		}
		for _, m := range e.provider.SupportedModels() {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			models = append(models, m)
		}
	}
	return models
}

// CandidatesFor returns the providers eligible to serve model, ordered by
// priority (ascending) with registration order breaking ties. A forced
// provider preempts the ordering entirely: if it supports the model and is
// in rotation, it is the only candidate.
func (r *Registry) CandidatesFor(model string) []provider.Provider {
	for _, e := range r.entries {
		if e.forced && e.inRotation() && e.provider.SupportsModel(model) {
			return []provider.Provider{e.provider}
		}
	}

	var eligible []*entry
	for _, e := range r.entries {
		if e.inRotation() && e.provider.SupportsModel(model) {
			eligible = append(eligible, e)
		}
	}
	// Insertion sort keeps ties in registration order.
	for i := 1; i < len(eligible); i++ {
		for j := i; j > 0 && less(eligible[j], eligible[j-1]); j-- {
			eligible[j], eligible[j-1] = eligible[j-1], eligible[j]
		}
	}

	out := make([]provider.Provider, len(eligible))
	for i, e := range eligible {
		out[i] = e.provider
	}
	return out
}

func less(a, b *entry) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.order < b.order
}

// AcquireSlot reports whether a request to the named provider fits under its
// configured rate ceiling. Providers without a ceiling always admit.
func (r *Registry) AcquireSlot(name string) bool {
	e, ok := r.byName[name]
	if !ok {
		return false
	}
	if e.ceiling == nil {
		return true
	}
	return e.ceiling.Allow()
}

// RecordSuccess clears a provider's error streak and returns it to healthy,
// unless it was administratively disabled. Dispatch successes heal fully; a
// provider that just served real traffic has proven itself.
func (r *Registry) RecordSuccess(name string) {
	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusDisabled {
		return
	}
	prev := e.status
	e.errors = 0
	e.status = StatusHealthy
	e.detail = ""
	observeHealth(name, e.status)
	if prev != StatusHealthy {
		r.logger.Info("provider recovered", "provider", name, "previous", prev.String())
	}
}

// recordProbeRecovery credits one successful health probe against the error
// streak. Probes heal gradually, one step per success, so a flapping
// provider still accumulates errors toward the unhealthy threshold.
func (r *Registry) recordProbeRecovery(name string) {
	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusDisabled {
		return
	}
	if e.errors > 0 {
		e.errors--
	}
	prev := e.status
	switch {
	case e.errors == 0:
		e.status = StatusHealthy
		e.detail = ""
	case e.status == StatusUnhealthy && e.errors < r.cfg.ErrorThreshold:
		e.status = StatusDegraded
	}
	observeHealth(name, e.status)
	if prev != e.status {
		r.logger.Info("provider recovering",
			"provider", name,
			"previous", prev.String(),
			"remaining_errors", e.errors,
		)
	}
}

// RecordError counts a provider error. The first error degrades the
// provider; ErrorThreshold consecutive errors mark it unhealthy.
func (r *Registry) RecordError(name string, cause error) {
	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusDisabled {
		return
	}
	e.errors++
	if cause != nil {
		e.detail = cause.Error()
	}
	switch {
	case e.errors >= r.cfg.ErrorThreshold && e.status != StatusUnhealthy:
		e.status = StatusUnhealthy
		r.logger.Warn("provider marked unhealthy",
			"provider", name,
			"consecutive_errors", e.errors,
			"error", cause,
		)
	case e.status == StatusHealthy:
		e.status = StatusDegraded
		r.logger.Warn("provider degraded", "provider", name, "error", cause)
	}
	observeHealth(name, e.status)
}

// Status returns the provider's current status.
func (r *Registry) Status(name string) (Status, bool) {
	e, ok := r.byName[name]
	if !ok {
		return 0, false
	}
	return e.currentStatus(), true
}

// Disable removes a provider from rotation until Enable is called. In-flight
// requests are unaffected.
func (r *Registry) Disable(name string) bool {
	e, ok := r.byName[name]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusDisabled
	observeHealth(name, e.status)
	r.logger.Info("provider disabled", "provider", name)
	return true
}

// Enable returns a disabled provider to rotation as healthy.
func (r *Registry) Enable(name string) bool {
	e, ok := r.byName[name]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusDisabled {
		e.status = StatusHealthy
		e.errors = 0
		e.detail = ""
		observeHealth(name, e.status)
		r.logger.Info("provider enabled", "provider", name)
	}
	return true
}

// HealthCheck probes the named provider, reusing a cached result within the
// cache TTL. The probe outcome feeds the provider's error streak.
func (r *Registry) HealthCheck(ctx context.Context, name string) (provider.Health, error) {
	e, ok := r.byName[name]
	if !ok {
		return provider.Health{}, fmt.Errorf("registry: unknown provider %q", name)
	}

	if cached, hit := r.cache.Get(name); hit {
		return cached.(provider.Health), nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
	defer cancel()

	health, err := e.provider.HealthCheck(probeCtx)
	if err != nil {
		health = provider.Health{Healthy: false, Detail: err.Error()}
	}
	r.cache.Set(name, health, gocache.DefaultExpiration)

	if health.Healthy {
		r.recordProbeRecovery(name)
	} else {
		r.RecordError(name, errors.New(health.Detail))
	}
	return health, nil
}

// StartHealthLoop probes every provider in rotation on the configured
// interval until ctx is cancelled. Safe to call once; later calls are no-ops.
func (r *Registry) StartHealthLoop(ctx context.Context) {
	r.started.Do(func() {
		go r.healthLoop(ctx)
	})
}

func (r *Registry) healthLoop(ctx context.Context) {
	ticker := r.clock.Ticker(r.cfg.HealthInterval)
	defer ticker.Stop()

	r.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("health loop stopped")
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	for _, e := range r.entries {
		if ctx.Err() != nil {
			return
		}
		if e.currentStatus() == StatusDisabled {
			continue
		}
		if _, err := r.HealthCheck(ctx, e.provider.Name()); err != nil {
			r.logger.Warn("health probe failed", "provider", e.provider.Name(), "error", err)
		}
	}
}

// ProviderHealth is one row of a registry health snapshot.
type ProviderHealth struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Snapshot reports every provider's current status in registration order.
func (r *Registry) Snapshot() []ProviderHealth {
	out := make([]ProviderHealth, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		out = append(out, ProviderHealth{
			Name:   e.provider.Name(),
			Kind:   e.provider.Kind(),
			Status: e.status.String(),
			Detail: e.detail,
		})
		e.mu.Unlock()
	}
	return out
}

// Shutdown closes every provider and aggregates their errors.
func (r *Registry) Shutdown() error {
	var errs []error
	for _, e := range r.entries {
		if err := e.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider %s: %w", e.provider.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (e *entry) currentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *entry) inRotation() bool {
	s := e.currentStatus()
	return s == StatusHealthy || s == StatusDegraded
}

func observeHealth(name string, s Status) {
	metrics.ObserveProviderHealth(name, s == StatusHealthy || s == StatusDegraded)
}
