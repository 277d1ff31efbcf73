package mailbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/shubhankar-shipowl/help-desk-sub001/internal/events"
)

const (
	// batchSize is the number of UIDs fetched per connection.
	batchSize = 100

	// maxBatchAttempts is how many times one batch is tried before its
	// messages are given up on.
	maxBatchAttempts = 3

	// interBatchDelay spaces out successive batch connections to stay
	// under provider rate limits. Scheduling policy, not correctness.
	interBatchDelay = 2 * time.Second
)

// Fetcher partitions a discovery result into fixed-size batches and
// fetches each batch on a fresh connection, retrying failed batches
// with exponential backoff. A batch that exhausts its retries
// contributes zero messages; sibling batches proceed.
type Fetcher struct {
	dial   DialFunc
	bus    *events.Bus
	logger *slog.Logger

	// sleep is the suspension primitive for backoff and inter-batch
	// delays. It respects ctx cancellation. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// FetchStats summarizes one FetchAll pass.
type FetchStats struct {
	// Batches is the total number of batches attempted.
	Batches int

	// FailedBatches counts batches that exhausted all retries.
	FailedBatches int
}

// NewFetcher creates a Fetcher that opens one session per batch via
// dial. bus may be nil.
func NewFetcher(dial DialFunc, bus *events.Bus, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{dial: dial, bus: bus, logger: logger, sleep: sleepCtx}
}

// FetchAll fetches the bodies for uids in discovery order. Messages
// whose bytes could not be obtained (failed batches, per-message read
// failures inside successful batches) are simply absent from the
// result. Returns early with what it has if ctx is cancelled.
func (f *Fetcher) FetchAll(ctx context.Context, creds Credentials, uids []uint32) ([]RawMessage, FetchStats, error) {
	var out []RawMessage
	var stats FetchStats

	for start := 0; start < len(uids); start += batchSize {
		end := min(start+batchSize, len(uids))
		batch := uids[start:end]
		stats.Batches++

		if stats.Batches > 1 {
			if err := f.sleep(ctx, interBatchDelay); err != nil {
				return out, stats, err
			}
		}

		bodies, ok := f.fetchBatch(ctx, creds, stats.Batches, batch)
		if !ok {
			stats.FailedBatches++
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, stats, err
		}

		// Preserve discovery order within the batch.
		for _, uid := range batch {
			if data, found := bodies[uid]; found {
				out = append(out, RawMessage{UID: uid, Data: data})
			}
		}
	}

	return out, stats, nil
}

// fetchBatch tries one batch up to maxBatchAttempts times on fresh
// connections. A batch returning zero bytes for every UID is treated
// as a transient rate-limit signal and retried like an error. The
// backoff after attempt n is 2^n seconds; no backoff follows the
// final attempt.
func (f *Fetcher) fetchBatch(ctx context.Context, creds Credentials, num int, batch []uint32) (map[uint32][]byte, bool) {
	for attempt := 1; attempt <= maxBatchAttempts; attempt++ {
		bodies, err := f.fetchOnce(ctx, creds, batch)
		if err == nil && len(bodies) > 0 {
			if attempt > 1 {
				f.logger.Info("batch recovered after retry", "attempt", attempt, "messages", len(bodies))
			}
			f.bus.Publish(events.Event{
				Timestamp: time.Now(), Source: events.SourceFetcher, Kind: events.KindBatchFetched,
				Data: map[string]any{"batch": num, "messages": len(bodies)},
			})
			return bodies, true
		}

		if err != nil {
			f.logger.Warn("batch fetch failed",
				"attempt", attempt, "batch_size", len(batch), "error", err)
		} else {
			f.logger.Warn("batch fetch returned no bodies, treating as transient",
				"attempt", attempt, "batch_size", len(batch))
		}

		if attempt == maxBatchAttempts {
			break
		}
		if sleepErr := f.sleep(ctx, time.Duration(1<<attempt)*time.Second); sleepErr != nil {
			return nil, false
		}
	}

	f.logger.Warn("batch dropped after exhausting retries",
		"batch_size", len(batch), "attempts", maxBatchAttempts)
	f.bus.Publish(events.Event{
		Timestamp: time.Now(), Source: events.SourceFetcher, Kind: events.KindBatchFailed,
		Data: map[string]any{"batch": num, "size": len(batch)},
	})
	return nil, false
}

// fetchOnce opens a fresh session, fetches the batch, and disconnects.
func (f *Fetcher) fetchOnce(ctx context.Context, creds Credentials, batch []uint32) (map[uint32][]byte, error) {
	sess, err := f.dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Close() }()

	return sess.FetchBodies(ctx, batch)
}

// sleepCtx pauses for d or until ctx is cancelled, whichever is first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
