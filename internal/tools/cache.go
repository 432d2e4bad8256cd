package tools

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"loom/internal/logging"
	"loom/internal/toolcall"
	"loom/pkg/types"
)

const (
	defaultCacheMaxSize = 256
	defaultCacheTTL     = 5 * time.Minute
)

// CacheConfig configures the tool result cache behaviour.
type CacheConfig struct {
	// MaxSize is the maximum number of entries in the LRU cache.
	MaxSize int
	// TTL is how long a cached result remains valid.
	TTL time.Duration
	// Include lists the tools whose results may be cached. Anything not
	// listed always executes. Only read-only tools belong here.
	Include []string
}

type cacheEntry struct {
	result   types.ToolResult
	storedAt time.Time
}

// cachedExecutor caches successful results keyed by the call signature
// (name plus normalized arguments). It sits in the executor decorator chain
// in front of the actual runner.
type cachedExecutor struct {
	delegate Executor
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
	include  map[string]bool
	now      func() time.Time
	logger   logging.Logger
}

var _ Executor = (*cachedExecutor)(nil)

// NewCachedExecutor wraps delegate with an LRU+TTL result cache. A nil or
// empty include list disables caching entirely and the delegate is returned
// unwrapped.
func NewCachedExecutor(delegate Executor, cfg CacheConfig, logger logging.Logger) Executor {
	if delegate == nil || len(cfg.Include) == 0 {
		return delegate
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultCacheMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](cfg.MaxSize)
	if err != nil {
		// lru.New only errors on a non-positive size, guarded above.
		return delegate
	}
	include := make(map[string]bool, len(cfg.Include))
	for _, name := range cfg.Include {
		include[name] = true
	}
	return &cachedExecutor{
		delegate: delegate,
		cache:    cache,
		ttl:      cfg.TTL,
		include:  include,
		now:      time.Now,
		logger:   logging.OrNop(logger),
	}
}

func (c *cachedExecutor) Names() []string {
	return c.delegate.Names()
}

func (c *cachedExecutor) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	if !c.include[call.Name] {
		return c.delegate.Execute(ctx, call)
	}

	key := toolcall.Signature(call.Name, call.Arguments)
	if entry, ok := c.cache.Get(key); ok {
		if c.now().Sub(entry.storedAt) < c.ttl {
			c.logger.Debug("tool cache hit for %s", call.Name)
			return entry.result
		}
		c.cache.Remove(key)
	}

	result := c.delegate.Execute(ctx, call)
	if result.Success {
		c.cache.Add(key, cacheEntry{result: result, storedAt: c.now()})
	}
	return result
}
