package quota

import (
	"context"
	"sync"

	"github.com/djlord-it/gengate/internal/domain"
)

// MemoryLedger keeps records in process memory. It is authoritative only
// for a single instance.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*domain.QuotaRecord
	opts    Options
}

// NewMemoryLedger creates an empty in-process ledger.
func NewMemoryLedger(opts Options) *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*domain.QuotaRecord),
		opts:    opts.WithDefaults(),
	}
}

// load returns the stored record for userID, creating it on first use.
// Caller holds l.mu.
func (l *MemoryLedger) load(userID string) *domain.QuotaRecord {
	rec, ok := l.records[userID]
	if !ok {
		r := l.opts.NewRecord(userID, l.opts.Clock())
		rec = &r
		l.records[userID] = rec
	}
	return rec
}

func (l *MemoryLedger) TryReserve(ctx context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.load(userID)
	*rec = rec.Rollover(l.opts.Clock())
	if err := Check(*rec); err != nil {
		return err
	}
	rec.ConcurrentCount++
	rec.DailyUsed++
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[userID]; ok && rec.ConcurrentCount > 0 {
		rec.ConcurrentCount--
	}
	return nil
}

func (l *MemoryLedger) Peek(ctx context.Context, userID string) (domain.QuotaRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.Clock()
	if rec, ok := l.records[userID]; ok {
		return rec.Rollover(now), nil
	}
	return l.opts.NewRecord(userID, now), nil
}

func (l *MemoryLedger) SetLimits(ctx context.Context, userID string, limits domain.QuotaLimits) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.load(userID)
	rec.DailyLimit = limits.DailyLimit
	rec.ConcurrentLimit = limits.ConcurrentLimit
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
