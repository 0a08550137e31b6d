package envelope

import (
	"time"
)

// Default values for CryptoPolicy if not overridden.
const (
	DefaultExpireAfter                = time.Hour * 24 * 90 // 90 days
	DefaultRevokedCheckInterval       = time.Minute * 60
	DefaultCreateDatePrecision        = time.Minute
	DefaultKeyCacheMaxSize            = 1000
	DefaultSessionCacheMaxSize        = 1000
	DefaultSessionCacheDuration       = time.Hour * 2
	DefaultSessionCacheEngine         = "default"
	DefaultKeyCacheEvictionPolicy     = "lru"  // Use LRU eviction by default
	DefaultSessionCacheEvictionPolicy = "slru" // Already documented as default
)

// CryptoPolicy contains options to customize various behaviors in the SDK.
type CryptoPolicy struct {
	// ExpireKeyAfter is used to determine when a key is considered expired based on its creation time
	// (regularly-scheduled rotation).
	ExpireKeyAfter time.Duration
	// RevokeCheckInterval controls the cache TTL (if caching is enabled) to check if a cached key has been marked as
	// revoked (irregularly-scheduled rotation).
	RevokeCheckInterval time.Duration
	// CreateDatePrecision is used to truncate a new key's creation timestamp to avoid concurrent callers from
	// excessively creating keys in race condition scenarios.
	CreateDatePrecision time.Duration
	// CacheIntermediateKeys determines whether Intermediate Keys will be cached.
	CacheIntermediateKeys bool
	// IntermediateKeyCacheMaxSize records a size for the intermediate key cache. Default is DefaultKeyCacheMaxSize.
	//
	// The intermediate key cache does not read this value: it has no size bound and keeps every loaded key until
	// it is closed.
	IntermediateKeyCacheMaxSize int
	// IntermediateKeyCacheEvictionPolicy records an eviction policy name for the intermediate key cache. Default
	// is "lru".
	//
	// The intermediate key cache does not read this value and never evicts entries.
	IntermediateKeyCacheEvictionPolicy string
	// SharedIntermediateKeyCache records whether Intermediate Keys should use a single cache across sessions.
	//
	// The value is not read: every session creates its own intermediate key cache, whatever its setting.
	SharedIntermediateKeyCache bool
	// CacheSystemKeys determines whether System Keys will be cached.
	CacheSystemKeys bool
	// SystemKeyCacheMaxSize records a size for the system key cache. Default is DefaultKeyCacheMaxSize.
	//
	// The system key cache does not read this value: it has no size bound and keeps every loaded key until it
	// is closed.
	SystemKeyCacheMaxSize int
	// SystemKeyCacheEvictionPolicy records an eviction policy name for the system key cache. Default is "lru".
	//
	// The system key cache does not read this value and never evicts entries.
	SystemKeyCacheEvictionPolicy string
	// CacheSessions determines whether sessions will be cached.
	CacheSessions bool
	// SessionCacheMaxSize controls the maximum size of the cache if session caching is enabled.
	SessionCacheMaxSize int
	// SessionCacheDuration controls the amount of time a session will remain cached without being accessed
	// if session caching is enabled.
	SessionCacheDuration time.Duration
	// SessionCacheEvictionPolicy records an eviction policy name for the session cache. Default is "slru".
	//
	// The session cache engines do not read this value.
	SessionCacheEvictionPolicy string
}

// PolicyOption is used to configure a CryptoPolicy.
type PolicyOption func(*CryptoPolicy)

// WithRevokeCheckInterval sets the interval to check for revoked keys in the cache.
func WithRevokeCheckInterval(d time.Duration) PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.RevokeCheckInterval = d
	}
}

// WithExpireAfterDuration sets amount of time a key is considered valid.
func WithExpireAfterDuration(d time.Duration) PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.ExpireKeyAfter = d
	}
}

// WithNoCache disables caching of both System and Intermediate Keys.
func WithNoCache() PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.CacheSystemKeys = false
		policy.CacheIntermediateKeys = false
	}
}

// WithSharedIntermediateKeyCache sets SharedIntermediateKeyCache to true and IntermediateKeyCacheMaxSize to
// capacity. Neither field is read by the key caches: intermediate key caches stay per session and unbounded.
func WithSharedIntermediateKeyCache(capacity int) PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.SharedIntermediateKeyCache = true
		policy.IntermediateKeyCacheMaxSize = capacity
	}
}

// WithSessionCache enables session caching. When used all sessions for a given partition will share underlying
// System and Intermediate Key caches.
func WithSessionCache() PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.CacheSessions = true
	}
}

// WithSessionCacheMaxSize specifies the session cache max size to use if session caching is enabled.
func WithSessionCacheMaxSize(size int) PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.SessionCacheMaxSize = size
	}
}

// WithSessionCacheDuration specifies the amount of time a session will remain cached without being accessed
// if session caching is enabled.
func WithSessionCacheDuration(d time.Duration) PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.SessionCacheDuration = d
	}
}

// NewCryptoPolicy returns a new CryptoPolicy with default values.
func NewCryptoPolicy(opts ...PolicyOption) *CryptoPolicy {
	policy := &CryptoPolicy{
		ExpireKeyAfter:                     DefaultExpireAfter,
		RevokeCheckInterval:                DefaultRevokedCheckInterval,
		CreateDatePrecision:                DefaultCreateDatePrecision,
		CacheSystemKeys:                    true,
		CacheIntermediateKeys:              true,
		IntermediateKeyCacheMaxSize:        DefaultKeyCacheMaxSize,
		IntermediateKeyCacheEvictionPolicy: DefaultKeyCacheEvictionPolicy,
		SystemKeyCacheMaxSize:              DefaultKeyCacheMaxSize,
		SystemKeyCacheEvictionPolicy:       DefaultKeyCacheEvictionPolicy,
		SharedIntermediateKeyCache:         false,
		CacheSessions:                      false,
		SessionCacheMaxSize:                DefaultSessionCacheMaxSize,
		SessionCacheDuration:               DefaultSessionCacheDuration,
		SessionCacheEvictionPolicy:         DefaultSessionCacheEvictionPolicy,
	}

	for _, opt := range opts {
		opt(policy)
	}

	return policy
}

// newKeyTimestamp returns a unix timestamp in seconds truncated to the provided Duration.
func newKeyTimestamp(truncate time.Duration) int64 {
	if truncate > 0 {
		return time.Now().Truncate(truncate).Unix()
	}

	return time.Now().Unix()
}

// Config contains the required information to setup and use this library.
type Config struct {
	// Service is the identifier for this service.
	Service string
	// Product is the identifier for the team or group that owns the calling service.
	Product string
	// Policy contains the information on when to expire keys.
	// If no policy is provided, 90 days rotations will be set
	// as defaults.
	Policy *CryptoPolicy
}
