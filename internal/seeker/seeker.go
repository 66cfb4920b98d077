// Package seeker implements the Seeker: it tracks ids
// to locate and drives fetch jobs out through the Supervisor's
// dispatch surface, the same request/track/timeout pattern nitrous
// uses for its own outstanding-avatar-fetch bookkeeping in
// model.go, generalized from single-shot HTTP fetches to relay-list-
// aware Nostr event lookups.
package seeker

import (
	"context"
	"time"

	"github.com/corvidae/nostrcore/internal/logx"
	"github.com/corvidae/nostrcore/internal/store"
)

const waitTimeout = 15 * time.Second

// RelayListFreshness classifies how confident the Seeker is in a
// pubkey's relay-list when deciding whether to also kick off
// discovery (seek_id_and_author).
type RelayListFreshness int

const (
	FreshnessFresh RelayListFreshness = iota
	FreshnessStale
	FreshnessNeverSought
)

const staleAfter = 8 * time.Hour

// Dispatcher is the Supervisor-owned surface the Seeker issues jobs
// through; it never talks to a Worker directly (Supervisor-owned
// rule).
type Dispatcher interface {
	FetchFromReadRelays(ctx context.Context, id string, speculativeRelays []string)
	FetchFromRelays(ctx context.Context, id string, relays []string)
	DiscoverRelayList(ctx context.Context, pubkey string)
}

type waitState int

const (
	stateWaitingRelayList waitState = iota
	stateWaitingEvent
)

type entry struct {
	id         string
	author     string
	climb      bool
	state      waitState
	started    time.Time
	speculative []string
}

// Seeker tracks outstanding lookups; it is not safe for concurrent
// use from multiple goroutines without external synchronization,
// matching every other per-actor owned-state type in this client
// (see the shared-resource ownership note in the worker package).
type Seeker struct {
	store      store.Storage
	dispatcher Dispatcher
	log        *logx.Logger

	entries map[string]*entry // id -> entry
}

func New(s store.Storage, d Dispatcher) *Seeker {
	return &Seeker{store: s, dispatcher: d, log: logx.New("seeker", ""), entries: make(map[string]*entry)}
}

// SeekID broadcasts a fetch job to all READ relays plus the
// speculative set.
func (s *Seeker) SeekID(ctx context.Context, id string, speculativeRelays []string, climb bool) {
	if _, ok := s.entries[id]; ok {
		return
	}
	s.entries[id] = &entry{id: id, climb: climb, state: stateWaitingEvent, started: time.Now(), speculative: speculativeRelays}
	s.dispatcher.FetchFromReadRelays(ctx, id, speculativeRelays)
}

// SeekIDAndAuthor inspects the author's relay-list freshness before
// deciding whether to wait for discovery or proceed directly.
func (s *Seeker) SeekIDAndAuthor(ctx context.Context, id, author string, speculativeRelays []string, climb bool) {
	if _, ok := s.entries[id]; ok {
		return
	}
	switch s.freshnessOf(ctx, author) {
	case FreshnessNeverSought:
		s.entries[id] = &entry{id: id, author: author, climb: climb, state: stateWaitingRelayList, started: time.Now(), speculative: speculativeRelays}
		s.dispatcher.DiscoverRelayList(ctx, author)
	case FreshnessStale:
		s.entries[id] = &entry{id: id, author: author, climb: climb, state: stateWaitingEvent, started: time.Now(), speculative: speculativeRelays}
		s.dispatcher.DiscoverRelayList(ctx, author)
		s.dispatcher.FetchFromReadRelays(ctx, id, speculativeRelays)
	default:
		s.entries[id] = &entry{id: id, author: author, climb: climb, state: stateWaitingEvent, started: time.Now(), speculative: speculativeRelays}
		s.dispatcher.FetchFromReadRelays(ctx, id, speculativeRelays)
	}
}

func (s *Seeker) freshnessOf(ctx context.Context, author string) RelayListFreshness {
	person, ok, _ := s.store.GetPerson(ctx, author)
	if !ok || person == nil || person.LastRelayListSought.IsZero() {
		return FreshnessNeverSought
	}
	if time.Since(person.LastRelayListSought) > staleAfter {
		return FreshnessStale
	}
	return FreshnessFresh
}

// Found is called by the Event Processor once an event lands; if this
// id was tracked and climb is set, it walks replies_to ancestors via
// storage and seeks the first one not present locally.
func (s *Seeker) Found(ctx context.Context, id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	delete(s.entries, id)
	if !e.climb {
		return
	}
	parent, hasParent, err := s.store.GetHighestLocalParentEventID(ctx, id)
	if err != nil || !hasParent {
		return
	}
	if has, _ := s.store.HasEvent(ctx, parent); has {
		return
	}
	s.SeekID(ctx, parent, nil, true)
}

// RunOnce is the periodic tick. A WaitingRelayList entry is promoted to
// an event fetch once its author's relay list counts as fresh; after
// 15s it falls back to a read-relay fetch instead. A WaitingEvent entry
// outstanding past 15s is dropped.
func (s *Seeker) RunOnce(ctx context.Context) {
	now := time.Now()
	for id, e := range s.entries {
		switch e.state {
		case stateWaitingRelayList:
			if s.freshnessOf(ctx, e.author) == FreshnessFresh {
				e.state = stateWaitingEvent
				e.started = now
				s.dispatcher.FetchFromReadRelays(ctx, e.id, e.speculative)
				continue
			}
			if now.Sub(e.started) > waitTimeout {
				e.state = stateWaitingEvent
				e.started = now
				s.dispatcher.FetchFromReadRelays(ctx, e.id, e.speculative)
			}
		case stateWaitingEvent:
			if now.Sub(e.started) > waitTimeout {
				delete(s.entries, id)
			}
		}
	}
}
