package cachegate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// QuotaFunc reports current storage usage and the total quota, in bytes.
type QuotaFunc func(ctx context.Context) (used, total int64, err error)

// Evictor frees storage until roughly targetBytes have been reclaimed.
// The file cache's LRU eviction is the usual implementation.
type Evictor func(ctx context.Context, targetBytes int64) error

// QuotaMonitor polls storage usage and drives two thresholds: above the
// warn fraction it evicts until usage drops back under it, above the
// refuse fraction it rejects further cache writes. Reads are never gated.
type QuotaMonitor struct {
	mu       sync.Mutex
	refusing bool

	warnFrac   float64
	refuseFrac float64
	quota      QuotaFunc
	evict      Evictor
	log        *slog.Logger
}

// NewQuotaMonitor wires a monitor with the default thresholds: warn and
// evict above 80% usage, refuse writes above 95%. evict may be nil, in
// which case the warn threshold only logs.
func NewQuotaMonitor(quota QuotaFunc, evict Evictor, logger *slog.Logger) *QuotaMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaMonitor{
		warnFrac:   0.80,
		refuseFrac: 0.95,
		quota:      quota,
		evict:      evict,
		log:        logger,
	}
}

// Admit reports the verdict of the last quota reading. It never blocks;
// AdmitWrite is the gate actual writes go through.
func (q *QuotaMonitor) Admit() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.refusing {
		return ErrQuotaExceeded
	}
	return nil
}

// AdmitWrite gates one write with a fresh quota reading. Above the warn
// fraction it evicts back under it before admitting, so a new entry never
// lands on top of unreclaimed pressure; above the refuse fraction the
// write is rejected outright. A failed reading falls back to the last
// poll's verdict.
func (q *QuotaMonitor) AdmitWrite(ctx context.Context) error {
	used, total, err := q.quota(ctx)
	if err != nil {
		q.log.Warn("cachegate: quota probe failed", "error", err)
		return q.Admit()
	}
	if total <= 0 {
		return nil
	}
	frac := float64(used) / float64(total)

	q.mu.Lock()
	q.refusing = frac >= q.refuseFrac
	refusing := q.refusing
	q.mu.Unlock()

	if refusing {
		return ErrQuotaExceeded
	}
	if frac >= q.warnFrac && q.evict != nil {
		target := used - int64(float64(total)*q.warnFrac)
		q.log.Warn("cachegate: storage pressure, evicting before write",
			"used", used, "total", total, "target", target)
		if err := q.evict(ctx, target); err != nil {
			q.log.Error("cachegate: eviction failed", "error", err)
		}
	}
	return nil
}

// Run polls the quota at the interval until ctx is cancelled. Run it in a
// goroutine; Check can also be called directly after large writes.
func (q *QuotaMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Check(ctx)
		}
	}
}

// Check takes one quota reading and applies the thresholds.
func (q *QuotaMonitor) Check(ctx context.Context) {
	used, total, err := q.quota(ctx)
	if err != nil {
		q.log.Warn("cachegate: quota probe failed", "error", err)
		return
	}
	if total <= 0 {
		return
	}
	frac := float64(used) / float64(total)

	q.mu.Lock()
	wasRefusing := q.refusing
	q.refusing = frac >= q.refuseFrac
	q.mu.Unlock()

	switch {
	case frac >= q.refuseFrac:
		if !wasRefusing {
			q.log.Error("cachegate: storage critically full, refusing cache writes",
				"used", used, "total", total)
		}
		if q.evict != nil {
			target := used - int64(float64(total)*q.warnFrac)
			if err := q.evict(ctx, target); err != nil {
				q.log.Error("cachegate: eviction failed", "error", err)
			}
		}
	case frac >= q.warnFrac:
		q.log.Warn("cachegate: storage pressure, evicting",
			"used", used, "total", total)
		if q.evict != nil {
			// Reclaim back down to the warn threshold.
			target := used - int64(float64(total)*q.warnFrac)
			if err := q.evict(ctx, target); err != nil {
				q.log.Error("cachegate: eviction failed", "error", err)
			}
		}
	case wasRefusing:
		q.log.Info("cachegate: storage pressure cleared", "used", used, "total", total)
	}
}
