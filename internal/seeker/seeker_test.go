package seeker

import (
	"context"
	"testing"
	"time"

	"github.com/corvidae/nostrcore/internal/store"
	"github.com/corvidae/nostrcore/internal/types"
)

type fakeDispatcher struct {
	readRelayFetches []string
	relayFetches     []string
	relayListSeeks   []string
}

func (f *fakeDispatcher) FetchFromReadRelays(_ context.Context, id string, _ []string) {
	f.readRelayFetches = append(f.readRelayFetches, id)
}
func (f *fakeDispatcher) FetchFromRelays(_ context.Context, id string, _ []string) {
	f.relayFetches = append(f.relayFetches, id)
}
func (f *fakeDispatcher) DiscoverRelayList(_ context.Context, pubkey string) {
	f.relayListSeeks = append(f.relayListSeeks, pubkey)
}

func TestSeekIDDedupesOutstanding(t *testing.T) {
	d := &fakeDispatcher{}
	s := New(store.NewMemory(), d)

	s.SeekID(context.Background(), "event1", nil, false)
	s.SeekID(context.Background(), "event1", nil, false)

	if len(d.readRelayFetches) != 1 {
		t.Errorf("fetches = %v, want exactly one dispatch for a repeated id", d.readRelayFetches)
	}
}

func TestSeekIDAndAuthorNeverSoughtWaitsForRelayList(t *testing.T) {
	d := &fakeDispatcher{}
	st := store.NewMemory()
	s := New(st, d)

	s.SeekIDAndAuthor(context.Background(), "event1", "alice", nil, false)

	if len(d.relayListSeeks) != 1 || d.relayListSeeks[0] != "alice" {
		t.Errorf("relayListSeeks = %v, want [alice]", d.relayListSeeks)
	}
	if len(d.readRelayFetches) != 0 {
		t.Errorf("should not fetch the event yet while waiting on relay list, got %v", d.readRelayFetches)
	}
}

func TestSeekIDAndAuthorFreshGoesStraightToFetch(t *testing.T) {
	d := &fakeDispatcher{}
	st := store.NewMemory()
	if err := st.ModifyPerson(context.Background(), "alice", func(p *types.Person) {
		p.LastRelayListSought = time.Now()
	}); err != nil {
		t.Fatalf("ModifyPerson: %v", err)
	}
	s := New(st, d)

	s.SeekIDAndAuthor(context.Background(), "event1", "alice", nil, false)

	if len(d.relayListSeeks) != 0 {
		t.Errorf("fresh relay list should not trigger discovery, got %v", d.relayListSeeks)
	}
	if len(d.readRelayFetches) != 1 || d.readRelayFetches[0] != "event1" {
		t.Errorf("readRelayFetches = %v, want [event1]", d.readRelayFetches)
	}
}

func TestSeekIDAndAuthorStaleFetchesAndDiscovers(t *testing.T) {
	d := &fakeDispatcher{}
	st := store.NewMemory()
	if err := st.ModifyPerson(context.Background(), "alice", func(p *types.Person) {
		p.LastRelayListSought = time.Now().Add(-9 * time.Hour)
	}); err != nil {
		t.Fatalf("ModifyPerson: %v", err)
	}
	s := New(st, d)

	s.SeekIDAndAuthor(context.Background(), "event1", "alice", nil, false)

	if len(d.relayListSeeks) != 1 {
		t.Errorf("stale relay list should also trigger discovery, got %v", d.relayListSeeks)
	}
	if len(d.readRelayFetches) != 1 {
		t.Errorf("stale relay list should still fetch the event directly, got %v", d.readRelayFetches)
	}
}

func TestFoundClimbsToMissingParent(t *testing.T) {
	d := &fakeDispatcher{}
	st := store.NewMemory()
	s := New(st, d)

	parent := &struct{}{}
	_ = parent

	s.SeekID(context.Background(), "child", nil, true)
	if err := st.AddRelationship(context.Background(), "parent-id", store.Relationship{Kind: store.RelReply, SourceID: "child"}); err != nil {
		t.Fatalf("AddRelationship: %v", err)
	}

	s.Found(context.Background(), "child")

	if len(d.readRelayFetches) != 2 || d.readRelayFetches[1] != "parent-id" {
		t.Errorf("readRelayFetches = %v, want [child parent-id]", d.readRelayFetches)
	}
}

func TestFoundWithoutClimbJustClearsEntry(t *testing.T) {
	d := &fakeDispatcher{}
	st := store.NewMemory()
	s := New(st, d)

	s.SeekID(context.Background(), "child", nil, false)
	s.Found(context.Background(), "child")

	if _, ok := s.entries["child"]; ok {
		t.Errorf("entry for child should have been cleared after Found")
	}
	if len(d.readRelayFetches) != 1 {
		t.Errorf("no climb should mean no second fetch, got %v", d.readRelayFetches)
	}
}

func TestRunOnceExpiresStaleEntries(t *testing.T) {
	d := &fakeDispatcher{}
	st := store.NewMemory()
	s := New(st, d)

	s.entries["stale"] = &entry{id: "stale", state: stateWaitingEvent, started: time.Now().Add(-waitTimeout - time.Second)}
	s.entries["fresh"] = &entry{id: "fresh", state: stateWaitingEvent, started: time.Now()}

	s.RunOnce(context.Background())

	if _, ok := s.entries["stale"]; ok {
		t.Errorf("stale entry should have expired")
	}
	if _, ok := s.entries["fresh"]; !ok {
		t.Errorf("fresh entry should still be tracked")
	}
}

func TestRunOnceRetriesWaitingRelayListOnceFresh(t *testing.T) {
	d := &fakeDispatcher{}
	st := store.NewMemory()
	if err := st.ModifyPerson(context.Background(), "alice", func(p *types.Person) {
		p.LastRelayListSought = time.Now()
	}); err != nil {
		t.Fatalf("ModifyPerson: %v", err)
	}
	s := New(st, d)
	s.entries["child"] = &entry{id: "child", author: "alice", state: stateWaitingRelayList, started: time.Now()}

	s.RunOnce(context.Background())

	got := s.entries["child"]
	if got == nil || got.state != stateWaitingEvent {
		t.Fatalf("entry should have promoted to stateWaitingEvent, got %+v", got)
	}
	if len(d.readRelayFetches) != 1 || d.readRelayFetches[0] != "child" {
		t.Errorf("readRelayFetches = %v, want [child]", d.readRelayFetches)
	}
}
