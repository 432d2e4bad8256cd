package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"loom/internal/logging"
)

// HealthCache answers "is the backend up and what can it run" without
// hammering the backend. Probe results are cached with asymmetric TTLs:
// a healthy answer is trusted for minutes, a failure only briefly so
// recovery is noticed quickly. No method returns an error; callers always
// get the last known answer.
type HealthCache struct {
	client       Client
	probeTimeout time.Duration
	successTTL   time.Duration
	failureTTL   time.Duration
	logger       logging.Logger
	onProbe      func(available bool)

	now func() time.Time

	mu   sync.RWMutex
	snap healthSnapshot

	group singleflight.Group
}

type healthSnapshot struct {
	valid     bool
	available bool
	models    []string
	checkedAt time.Time
	ttl       time.Duration
}

// HealthOptions configures a HealthCache.
type HealthOptions struct {
	ProbeTimeout time.Duration
	SuccessTTL   time.Duration
	FailureTTL   time.Duration
	// OnProbe observes every probe result, for metrics.
	OnProbe func(available bool)
}

// NewHealthCache wraps client with probe caching.
func NewHealthCache(client Client, opts HealthOptions, logger logging.Logger) *HealthCache {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.SuccessTTL <= 0 {
		opts.SuccessTTL = 5 * time.Minute
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = 30 * time.Second
	}
	return &HealthCache{
		client:       client,
		probeTimeout: opts.ProbeTimeout,
		successTTL:   opts.SuccessTTL,
		failureTTL:   opts.FailureTTL,
		logger:       logging.OrNop(logger),
		onProbe:      opts.OnProbe,
		now:          time.Now,
	}
}

// IsAvailable reports whether the backend answered a probe recently.
func (h *HealthCache) IsAvailable(ctx context.Context) bool {
	return h.current(ctx).available
}

// ListModels returns the most recent model list. While the backend is down
// the last successfully fetched list keeps being served; substitution stays
// advisory either way.
func (h *HealthCache) ListModels(ctx context.Context) []string {
	models := h.current(ctx).models
	return append([]string(nil), models...)
}

// ResolveModel checks the configured model against the backend's list. When
// it is missing, the first model of the same family (name prefix before the
// colon) is chosen, falling back to the first listed model. The second
// return reports whether a substitution happened; callers record it as
// actualModel and move on.
func (h *HealthCache) ResolveModel(ctx context.Context, configured string) (string, bool) {
	models := h.current(ctx).models
	if len(models) == 0 {
		return configured, false
	}
	for _, m := range models {
		if m == configured {
			return configured, false
		}
	}

	family := modelFamily(configured)
	for _, m := range models {
		if modelFamily(m) == family {
			h.logger.Info("model %s not installed, substituting same-family %s", configured, m)
			return m, true
		}
	}
	h.logger.Info("model %s not installed, substituting %s", configured, models[0])
	return models[0], true
}

// current returns a fresh snapshot, probing at most once per expiry across
// all callers.
func (h *HealthCache) current(ctx context.Context) healthSnapshot {
	h.mu.RLock()
	snap := h.snap
	h.mu.RUnlock()
	if snap.valid && h.now().Sub(snap.checkedAt) < snap.ttl {
		return snap
	}

	result, _, _ := h.group.Do("probe", func() (any, error) {
		return h.probe(ctx), nil
	})
	return result.(healthSnapshot)
}

func (h *HealthCache) probe(ctx context.Context) healthSnapshot {
	probeCtx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	models, err := h.client.Models(probeCtx)
	if h.onProbe != nil {
		h.onProbe(err == nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.logger.Warn("backend probe failed: %v", err)
		h.snap = healthSnapshot{
			valid:     true,
			available: false,
			models:    h.snap.models,
			checkedAt: h.now(),
			ttl:       h.failureTTL,
		}
	} else {
		h.snap = healthSnapshot{
			valid:     true,
			available: true,
			models:    models,
			checkedAt: h.now(),
			ttl:       h.successTTL,
		}
	}
	return h.snap
}

func modelFamily(model string) string {
	if idx := strings.Index(model, ":"); idx > 0 {
		return model[:idx]
	}
	return model
}
