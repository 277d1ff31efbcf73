package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeSession is a scripted Session for discovery and fetcher tests.
type fakeSession struct {
	searchResult []uint32
	searchErr    error
	searchCrit   SearchCriteria

	bodies   map[uint32][]byte
	fetchErr error

	closed bool
}

func (s *fakeSession) Search(_ context.Context, crit SearchCriteria) ([]uint32, error) {
	s.searchCrit = crit
	return s.searchResult, s.searchErr
}

func (s *fakeSession) FetchBodies(_ context.Context, uids []uint32) (map[uint32][]byte, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	out := make(map[uint32][]byte, len(uids))
	for _, uid := range uids {
		if data, ok := s.bodies[uid]; ok {
			out[uid] = data
		}
	}
	return out, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func dialTo(sess *fakeSession) DialFunc {
	return func(context.Context, Credentials) (Session, error) {
		return sess, nil
	}
}

func TestDiscoverNewestFirstDeduped(t *testing.T) {
	sess := &fakeSession{searchResult: []uint32{1, 2, 3, 2, 4, 4}}
	d := NewDiscovery(dialTo(sess), nil)

	uids, err := d.Discover(context.Background(), Credentials{}, ModeUnread, 0)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	want := []uint32{4, 2, 3, 1}
	if len(uids) != len(want) {
		t.Fatalf("got %d uids, want %d (%v)", len(uids), len(want), uids)
	}
	for i := range want {
		if uids[i] != want[i] {
			t.Errorf("uids[%d] = %d, want %d", i, uids[i], want[i])
		}
	}
	if !sess.closed {
		t.Error("session was not closed after discovery")
	}
}

func TestDiscoverLatestRespectsCeiling(t *testing.T) {
	many := make([]uint32, 5000)
	for i := range many {
		many[i] = uint32(i + 1)
	}
	sess := &fakeSession{searchResult: many}
	d := NewDiscovery(dialTo(sess), nil)

	uids, err := d.Discover(context.Background(), Credentials{}, ModeLatest, 5000)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(uids) != maxDiscoveryIDs {
		t.Errorf("got %d uids, want hard ceiling %d", len(uids), maxDiscoveryIDs)
	}
	if uids[0] != 5000 {
		t.Errorf("uids[0] = %d, want newest (5000)", uids[0])
	}

	uids, err = d.Discover(context.Background(), Credentials{}, ModeLatest, 7)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(uids) != 7 {
		t.Errorf("got %d uids, want caller limit 7", len(uids))
	}
}

func TestDiscoverModeCriteria(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)

	tests := []struct {
		mode       SyncMode
		wantUnseen bool
		wantSince  time.Time
	}{
		{ModeUnread, true, now.Add(-unreadWindow)},
		{ModeLatest, false, time.Time{}},
		{ModeRecent, false, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		sess := &fakeSession{searchResult: []uint32{1}}
		d := NewDiscovery(dialTo(sess), nil)
		d.now = func() time.Time { return now }

		if _, err := d.Discover(context.Background(), Credentials{}, tt.mode, 0); err != nil {
			t.Fatalf("Discover(%s) error = %v", tt.mode, err)
		}
		if sess.searchCrit.UnseenOnly != tt.wantUnseen {
			t.Errorf("%s: UnseenOnly = %v, want %v", tt.mode, sess.searchCrit.UnseenOnly, tt.wantUnseen)
		}
		if !sess.searchCrit.Since.Equal(tt.wantSince) {
			t.Errorf("%s: Since = %v, want %v", tt.mode, sess.searchCrit.Since, tt.wantSince)
		}
	}
}

func TestDiscoverSearchErrorPropagates(t *testing.T) {
	sess := &fakeSession{searchErr: errors.New("connection reset")}
	d := NewDiscovery(dialTo(sess), nil)

	if _, err := d.Discover(context.Background(), Credentials{}, ModeUnread, 0); err == nil {
		t.Fatal("expected search error to propagate")
	}
}

func TestValidMode(t *testing.T) {
	for _, s := range []string{"unread", "latest", "recent"} {
		if _, ok := ValidMode(s); !ok {
			t.Errorf("ValidMode(%q) = false, want true", s)
		}
	}
	if _, ok := ValidMode("bogus"); ok {
		t.Error("ValidMode(bogus) = true, want false")
	}
}
