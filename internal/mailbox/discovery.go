package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// maxDiscoveryIDs is the hard ceiling on a discovery result. It
	// bounds the worst-case batch count for one sync run regardless of
	// mailbox size or caller-provided limit.
	maxDiscoveryIDs = 2000

	// unreadWindow is how far back ModeUnread looks.
	unreadWindow = 90 * 24 * time.Hour
)

// Discovery resolves the ordered set of message UIDs matching a sync
// mode. It uses exactly one connection for its single search and
// disconnects before returning.
type Discovery struct {
	dial   DialFunc
	logger *slog.Logger

	// now is stubbed in tests to pin the search windows.
	now func() time.Time
}

// NewDiscovery creates a Discovery that opens sessions via dial.
func NewDiscovery(dial DialFunc, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{dial: dial, logger: logger, now: time.Now}
}

// Discover returns the UIDs to fetch for the given mode, newest first,
// deduplicated, and capped. For ModeLatest the cap is min(limit,
// ceiling); other modes use the ceiling alone. Connection and search
// errors propagate — a failed discovery aborts the run before any
// fetch work begins.
func (d *Discovery) Discover(ctx context.Context, creds Credentials, mode SyncMode, limit int) ([]uint32, error) {
	sess, err := d.dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Close() }()

	crit, err := d.criteriaFor(mode)
	if err != nil {
		return nil, err
	}

	uids, err := sess.Search(ctx, crit)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", mode, err)
	}

	ceiling := maxDiscoveryIDs
	if mode == ModeLatest && limit > 0 && limit < ceiling {
		ceiling = limit
	}

	ordered := newestFirst(uids, ceiling)

	d.logger.Info("discovery complete",
		"mode", string(mode),
		"matched", len(uids),
		"selected", len(ordered),
	)
	return ordered, nil
}

// criteriaFor maps a sync mode to its search criteria.
func (d *Discovery) criteriaFor(mode SyncMode) (SearchCriteria, error) {
	now := d.now()
	switch mode {
	case ModeUnread:
		return SearchCriteria{Since: now.Add(-unreadWindow), UnseenOnly: true}, nil
	case ModeLatest:
		return SearchCriteria{}, nil
	case ModeRecent:
		y, m, day := now.Date()
		midnight := time.Date(y, m, day, 0, 0, 0, 0, now.Location())
		return SearchCriteria{Since: midnight}, nil
	default:
		return SearchCriteria{}, fmt.Errorf("unknown sync mode %q", mode)
	}
}

// newestFirst reverses server order (oldest first) into newest-first,
// dropping duplicate UIDs and stopping at ceiling.
func newestFirst(uids []uint32, ceiling int) []uint32 {
	seen := make(map[uint32]struct{}, len(uids))
	out := make([]uint32, 0, min(len(uids), ceiling))
	for i := len(uids) - 1; i >= 0 && len(out) < ceiling; i-- {
		uid := uids[i]
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}
