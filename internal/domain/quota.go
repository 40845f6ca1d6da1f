package domain

import "time"

// Unlimited disables a quota limit.
const Unlimited = -1

// Day is the length of one daily quota window.
const Day = 24 * time.Hour

// QuotaLimits are the per-user plan limits.
type QuotaLimits struct {
	DailyLimit      int `json:"daily_limit"`
	ConcurrentLimit int `json:"concurrent_limit"`
}

// QuotaRecord is the authoritative per-user usage record.
type QuotaRecord struct {
	UserID          string
	ConcurrentCount int
	DailyUsed       int
	DailyLimit      int
	ConcurrentLimit int
	ResetBoundary   time.Time
}

// Rollover returns r with the daily window advanced past now.
// When now has reached the boundary, DailyUsed is zeroed once and the
// boundary moves forward by whole days until it lies after now, so a
// single crossing (or several missed days) produces exactly one reset.
func (r QuotaRecord) Rollover(now time.Time) QuotaRecord {
	if now.Before(r.ResetBoundary) {
		return r
	}
	r.DailyUsed = 0
	r.ResetBoundary = NextBoundary(r.ResetBoundary, now)
	return r
}

// NextBoundary advances boundary by whole days until it is after now.
// Days are fixed 24h steps, so with a non-UTC reset timezone the boundary
// moves an hour off local midnight across each DST change.
func NextBoundary(boundary, now time.Time) time.Time {
	if now.Before(boundary) {
		return boundary
	}
	days := int(now.Sub(boundary)/Day) + 1
	return boundary.Add(time.Duration(days) * Day)
}

// Status summarizes r for quota queries. The rollover is applied to the
// view only.
func (r QuotaRecord) Status(now time.Time) QuotaStatus {
	v := r.Rollover(now)
	st := QuotaStatus{
		Used:            v.DailyUsed,
		Limit:           v.DailyLimit,
		Remaining:       Unlimited,
		Concurrent:      v.ConcurrentCount,
		ConcurrentLimit: v.ConcurrentLimit,
		ResetsInSeconds: int64(v.ResetBoundary.Sub(now).Seconds()),
	}
	if v.DailyLimit != Unlimited {
		st.Remaining = v.DailyLimit - v.DailyUsed
		if st.Remaining < 0 {
			st.Remaining = 0
		}
	}
	if st.ResetsInSeconds < 0 {
		st.ResetsInSeconds = 0
	}
	return st
}

// QuotaStatus is the read-only view returned by quota queries.
// Limit and Remaining are -1 when unlimited.
type QuotaStatus struct {
	Used            int   `json:"used"`
	Limit           int   `json:"limit"`
	Remaining       int   `json:"remaining"`
	Concurrent      int   `json:"concurrent"`
	ConcurrentLimit int   `json:"concurrent_limit"`
	ResetsInSeconds int64 `json:"resets_in_seconds"`
}
