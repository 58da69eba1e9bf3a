package domain

import "time"

// ScopeKey identifies one cache partition: the trades fetched for a
// given exchange account over a trailing day window.
type ScopeKey struct {
	Exchange  Exchange
	AccountID string
	Days      int
}

// Window returns the wall-clock bounds [now - days, now] of the scope
// in epoch milliseconds, matching exchange API timestamp units.
func (k ScopeKey) Window(now time.Time) (fromMs, toMs int64) {
	toMs = now.UnixMilli()
	fromMs = now.Add(-time.Duration(k.Days) * 24 * time.Hour).UnixMilli()
	return fromMs, toMs
}

// CacheEntry is the stored value for one scope key: an id-deduplicated,
// ordered set of completed trades plus the time it was last refreshed.
// Trades already merged in are never rewritten; refetches only append
// previously unseen ids.
type CacheEntry struct {
	Key      ScopeKey
	Trades   []Trade
	CachedAt time.Time
}

// IsFresh reports whether the entry is recent enough to serve without
// revalidating against the exchange. Every scope window ends at "now",
// so freshness is always gated by the current-day threshold.
func (e *CacheEntry) IsFresh(now time.Time, threshold time.Duration) bool {
	if e == nil {
		return false
	}
	return now.Sub(e.CachedAt) <= threshold
}
