// Package tier implements the Tier Policy Engine: a table of per-tier
// resource limits plus a validate-then-record quota check against it.
// Validate and Record are deliberately two separate, non-atomic calls — the
// engine does not serialize concurrent callers against the same tenant and
// resource. Under N concurrent validators the observed usage can overshoot
// a quota's limit by up to N-1 before Record catches up; services that need
// a hard cap must serialize their own calls. See Engine.Validate.
package tier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devmesh/actioncore/pkg/coreerrors"
	"github.com/devmesh/actioncore/pkg/keyspace"
	"github.com/devmesh/actioncore/pkg/observability"
	"github.com/devmesh/actioncore/pkg/redisx"
	"github.com/devmesh/actioncore/pkg/resilience"
)

// Kind names the shape of a resource's limit within a tier.
type Kind string

const (
	// KindMaxCount caps the number of a resource a tenant may hold at once.
	// "How many exist right now" is not the engine's to know; the caller
	// registers a CountFunc for the resource.
	KindMaxCount Kind = "max_count"

	// KindQuota caps cumulative usage within a rolling window. The window
	// resets by key rotation (the window's start timestamp is part of the
	// Redis key), never by a background sweep.
	KindQuota Kind = "quota"

	// KindBoolean gates a capability on or off for a tier, with no count
	// involved.
	KindBoolean Kind = "boolean"
)

// LimitSpec describes one resource's limit within one tier.
type LimitSpec struct {
	Kind Kind

	// Limit is the ceiling for KindMaxCount and KindQuota.
	Limit int64

	// Window is the quota period for KindQuota (e.g. 24h, time.Hour).
	Window time.Duration

	// Allowed is the capability flag for KindBoolean.
	Allowed bool

	// BurstRate and BurstSize, if both set, give this resource an
	// in-process token-bucket in front of the Redis-backed check: a local
	// first line of defense against a tight retry loop hammering Redis,
	// not a substitute for the quota itself.
	BurstRate float64 // tokens added per second
	BurstSize int      // bucket capacity
}

// Table is the tier table: tier_name -> resource_name -> limit_spec. It is
// loaded once at startup; the spec requires a single authoritative table,
// never one that can drift between two copies.
type Table map[string]map[string]LimitSpec

// CountFunc answers "how many of this resource does tenantID currently
// hold", for KindMaxCount resources. The engine has no way to know this on
// its own; it is always supplied by the service that owns the resource.
type CountFunc func(ctx context.Context, tenantID string) (int64, error)

// TenantTierFunc resolves a tenant to the tier name it is enrolled in.
type TenantTierFunc func(ctx context.Context, tenantID string) (string, error)

// Engine evaluates and records tier-scoped resource usage for one service.
type Engine struct {
	service    string
	redis      *redisx.StreamsClient
	keys       *keyspace.Keyspace
	table      Table
	tenantTier TenantTierFunc
	logger     observability.Logger

	countersMu sync.RWMutex
	counters   map[string]CountFunc

	burstLimiters *resilience.RateLimiterManager
}

// New returns an Engine serving service, backed by table and resolving a
// tenant's tier via tenantTier.
func New(service string, redisClient *redisx.StreamsClient, keys *keyspace.Keyspace, table Table, tenantTier TenantTierFunc, logger observability.Logger) *Engine {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Engine{
		service:       service,
		redis:         redisClient,
		keys:          keys,
		table:         table,
		tenantTier:    tenantTier,
		logger:        logger,
		counters:      make(map[string]CountFunc),
		burstLimiters: resilience.NewRateLimiterManager(),
	}
}

// RegisterCounter supplies the CountFunc a KindMaxCount resource needs.
// Validate against that resource fails with a programmer-error (non-tier)
// error if none is registered.
func (e *Engine) RegisterCounter(resource string, fn CountFunc) {
	e.countersMu.Lock()
	defer e.countersMu.Unlock()
	e.counters[resource] = fn
}

func (e *Engine) spec(tierName, resource string) (LimitSpec, error) {
	row, ok := e.table[tierName]
	if !ok {
		return LimitSpec{}, fmt.Errorf("tier: unknown tier %q", tierName)
	}
	spec, ok := row[resource]
	if !ok {
		return LimitSpec{}, fmt.Errorf("tier: resource %q is not defined for tier %q", resource, tierName)
	}
	return spec, nil
}

// Validate checks whether tenantID may consume amount more of resource
// under its current tier, without recording the consumption. It is not
// atomic with Record: a caller that validates then records is exposed to a
// bounded overshoot under concurrent callers, by design (see package doc).
func (e *Engine) Validate(ctx context.Context, tenantID, resource string, amount int64) (err error) {
	ctx, span := observability.TraceTierCheck(ctx, resource)
	defer func() {
		observability.SetSpanStatus(ctx, err)
		span.End()
	}()

	tierName, err := e.tenantTier(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("tier: resolve tenant tier: %w", err)
	}
	spec, err := e.spec(tierName, resource)
	if err != nil {
		return err
	}

	if spec.BurstRate > 0 && spec.BurstSize > 0 {
		if !e.burstLimiter(tierName, resource, spec).AllowN(time.Now(), int(amount)) {
			return coreerrors.TierLimitExceeded(resource, "BURST_EXCEEDED")
		}
	}

	switch spec.Kind {
	case KindBoolean:
		if !spec.Allowed {
			return coreerrors.TierLimitExceeded(resource, "CAPABILITY_DISABLED")
		}
		return nil

	case KindMaxCount:
		e.countersMu.RLock()
		fn := e.counters[resource]
		e.countersMu.RUnlock()
		if fn == nil {
			return fmt.Errorf("tier: no counter registered for max_count resource %q", resource)
		}
		current, err := fn(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("tier: count resource %q: %w", resource, err)
		}
		if current+amount > spec.Limit {
			return coreerrors.TierLimitExceeded(resource, "MAX_COUNT_EXCEEDED")
		}
		return nil

	case KindQuota:
		key, err := e.usageKey(tenantID, resource, spec.Window)
		if err != nil {
			return err
		}
		current, err := e.redis.CounterValue(ctx, key)
		if err != nil {
			return coreerrors.Unavailable("tier quota lookup failed", err)
		}
		if current+amount > spec.Limit {
			return coreerrors.TierLimitExceeded(resource, "QUOTA_EXCEEDED")
		}
		return nil

	default:
		return fmt.Errorf("tier: resource %q has unknown limit kind %q", resource, spec.Kind)
	}
}

// Record records amount units of resource consumed by tenantID. It only
// has an effect for KindQuota resources: KindMaxCount usage lives entirely
// in the caller's own counted resource, and KindBoolean has nothing to
// count. Safe to call even when Validate was never called or rejected;
// callers that want the overshoot bound must call Record promptly after a
// successful Validate.
func (e *Engine) Record(ctx context.Context, tenantID, resource string, amount int64) error {
	tierName, err := e.tenantTier(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("tier: resolve tenant tier: %w", err)
	}
	spec, err := e.spec(tierName, resource)
	if err != nil {
		return err
	}
	if spec.Kind != KindQuota {
		return nil
	}

	key, err := e.usageKey(tenantID, resource, spec.Window)
	if err != nil {
		return err
	}
	if _, err := e.redis.IncrBy(ctx, key, amount, spec.Window); err != nil {
		return coreerrors.Unavailable("tier usage record failed", err)
	}
	return nil
}

// usageKey builds the windowed usage counter key for a quota resource. The
// window segment is the window-aligned start timestamp, so a new window
// is simply a new key: no expiry sweep or reset job is needed, the key's
// own TTL (set to the window length by Record) reclaims it.
func (e *Engine) usageKey(tenantID, resource string, window time.Duration) (string, error) {
	if window <= 0 {
		return "", fmt.Errorf("tier: quota resource %q has no window configured", resource)
	}
	segment := time.Now().UTC().Truncate(window).Unix()
	return e.keys.Key(e.service, keyspace.KindUsage, tenantID, resource, fmt.Sprintf("%d", segment))
}

func (e *Engine) burstLimiter(tierName, resource string, spec LimitSpec) *resilience.RateLimiter {
	bucketKey := tierName + ":" + resource
	return e.burstLimiters.GetOrCreate(bucketKey, resilience.RateLimiterConfig{
		RatePerSecond: spec.BurstRate,
		BurstSize:     spec.BurstSize,
	})
}
