package cache

import (
	"errors"
	"time"
)

// DefaultTTL applies when callers pass a non-positive ttl.
const DefaultTTL = 24 * time.Hour

var (
	// ErrMiss reports a reachable external cache that holds no value for the key.
	ErrMiss = errors.New("cache: miss")
	// ErrUnavailable wraps every failure that should push callers onto the
	// fallback tier: unreachable, timed out, misconfigured or erroring.
	ErrUnavailable = errors.New("cache: external cache unavailable")
	// ErrEntryTooLarge reports a single value larger than the volatile budget.
	ErrEntryTooLarge = errors.New("cache: entry too large")
)
