package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuotaRecord_RolloverOncePerCrossing(t *testing.T) {
	boundary := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	r := QuotaRecord{DailyUsed: 7, DailyLimit: 10, ResetBoundary: boundary}

	before := r.Rollover(boundary.Add(-time.Second))
	assert.Equal(t, 7, before.DailyUsed)
	assert.Equal(t, boundary, before.ResetBoundary)

	after := r.Rollover(boundary)
	assert.Equal(t, 0, after.DailyUsed)
	assert.Equal(t, boundary.Add(Day), after.ResetBoundary)

	after.DailyUsed = 3
	again := after.Rollover(boundary.Add(time.Hour))
	assert.Equal(t, 3, again.DailyUsed, "second evaluation within the same window must not reset")
}

func TestQuotaRecord_RolloverAfterMissedDays(t *testing.T) {
	boundary := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	r := QuotaRecord{DailyUsed: 4, ResetBoundary: boundary}

	now := boundary.Add(3*Day + 5*time.Hour)
	got := r.Rollover(now)

	assert.Equal(t, 0, got.DailyUsed)
	assert.Equal(t, boundary.Add(4*Day), got.ResetBoundary)
	assert.True(t, got.ResetBoundary.After(now))
}

func TestNextBoundary_FixedStepsAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// DST starts 2026-03-08 in New York.
	boundary := time.Date(2026, 3, 7, 0, 0, 0, 0, loc)
	now := time.Date(2026, 3, 8, 12, 0, 0, 0, loc)

	got := NextBoundary(boundary, now)

	assert.Equal(t, boundary.Add(2*Day), got)
	assert.Equal(t, 1, got.In(loc).Hour(), "local midnight shifts by the DST hour")
}

func TestQuotaRecord_Status(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	r := QuotaRecord{
		DailyUsed:       4,
		DailyLimit:      10,
		ConcurrentCount: 1,
		ConcurrentLimit: 3,
		ResetBoundary:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}

	st := r.Status(now)
	assert.Equal(t, QuotaStatus{
		Used:            4,
		Limit:           10,
		Remaining:       6,
		Concurrent:      1,
		ConcurrentLimit: 3,
		ResetsInSeconds: 3600,
	}, st)
}

func TestQuotaRecord_StatusUnlimited(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := QuotaRecord{DailyUsed: 99, DailyLimit: Unlimited, ResetBoundary: now.Add(time.Hour)}

	st := r.Status(now)
	assert.Equal(t, Unlimited, st.Limit)
	assert.Equal(t, Unlimited, st.Remaining)
	assert.Equal(t, 99, st.Used)
}

func TestQuotaRecord_StatusAppliesRolloverToView(t *testing.T) {
	boundary := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	r := QuotaRecord{DailyUsed: 10, DailyLimit: 10, ResetBoundary: boundary}

	st := r.Status(boundary.Add(time.Minute))
	assert.Equal(t, 0, st.Used)
	assert.Equal(t, 10, st.Remaining)
	assert.Equal(t, int64(Day.Seconds()-60), st.ResetsInSeconds)
	assert.Equal(t, 10, r.DailyUsed, "status must not mutate the record")
}
