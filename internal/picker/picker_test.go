package picker

import (
	"context"
	"testing"
	"time"

	"github.com/corvidae/nostrcore/internal/store"
	"github.com/corvidae/nostrcore/internal/types"
)

func seedRelay(t *testing.T, st *store.Memory, url string, rank int) {
	t.Helper()
	if err := st.ModifyRelay(context.Background(), url, func(r *types.Relay) {
		r.Rank = rank
		r.SuccessCount = 10
		r.FailureCount = 0
	}); err != nil {
		t.Fatalf("ModifyRelay(%s): %v", url, err)
	}
}

func seedWriteEdge(t *testing.T, st *store.Memory, pubkey, url string) {
	t.Helper()
	if err := st.ModifyPersonRelay(context.Background(), pubkey, url, func(pr *types.PersonRelay) {
		pr.Write = true
		pr.LastSuggestedKind3 = time.Now()
	}); err != nil {
		t.Fatalf("ModifyPersonRelay(%s, %s): %v", pubkey, url, err)
	}
}

func TestPickNoPeopleLeft(t *testing.T) {
	st := store.NewMemory()
	p := New(st, 50, 2)
	if err := p.Init(context.Background(), nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	outcome, _ := p.Pick()
	if outcome != OutcomeNoPeopleLeft {
		t.Errorf("outcome = %v, want OutcomeNoPeopleLeft", outcome)
	}
}

func TestPickAssignsBestScoringRelay(t *testing.T) {
	st := store.NewMemory()
	seedRelay(t, st, "wss://a.example", 5)
	seedRelay(t, st, "wss://b.example", 1)
	seedWriteEdge(t, st, "pubkeyA", "wss://a.example")
	seedWriteEdge(t, st, "pubkeyA", "wss://b.example")

	p := New(st, 50, 2)
	if err := p.Init(context.Background(), []string{"pubkeyA"}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	outcome, assignment := p.Pick()
	if outcome != OutcomeAssignment {
		t.Fatalf("outcome = %v, want OutcomeAssignment", outcome)
	}
	if assignment.URL != "wss://a.example" {
		t.Errorf("assigned URL = %q, want wss://a.example (higher rank)", assignment.URL)
	}
	if _, ok := assignment.PubKeys["pubkeyA"]; !ok {
		t.Errorf("assignment missing pubkeyA")
	}
}

func TestPickMaxConnectedRelays(t *testing.T) {
	st := store.NewMemory()
	seedRelay(t, st, "wss://a.example", 5)
	seedWriteEdge(t, st, "pubkeyA", "wss://a.example")

	p := New(st, 0, 1)
	if err := p.Init(context.Background(), []string{"pubkeyA"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	outcome, _ := p.Pick()
	if outcome != OutcomeMaxConnectedRelays {
		t.Errorf("outcome = %v, want OutcomeMaxConnectedRelays", outcome)
	}
}

func TestPickSkipsHiddenAndZeroRankRelays(t *testing.T) {
	st := store.NewMemory()
	if err := st.ModifyRelay(context.Background(), "wss://hidden.example", func(r *types.Relay) {
		r.Rank = 5
		r.Hidden = true
	}); err != nil {
		t.Fatalf("ModifyRelay: %v", err)
	}
	if err := st.ModifyRelay(context.Background(), "wss://zero.example", func(r *types.Relay) {
		r.Rank = 0
	}); err != nil {
		t.Fatalf("ModifyRelay: %v", err)
	}
	seedWriteEdge(t, st, "pubkeyA", "wss://hidden.example")
	seedWriteEdge(t, st, "pubkeyA", "wss://zero.example")

	p := New(st, 50, 1)
	if err := p.Init(context.Background(), []string{"pubkeyA"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	outcome, _ := p.Pick()
	if outcome != OutcomeNoProgress {
		t.Errorf("outcome = %v, want OutcomeNoProgress (all relays filtered out)", outcome)
	}
}

func TestRelayDisconnectedExclusionAndRecredit(t *testing.T) {
	st := store.NewMemory()
	seedRelay(t, st, "wss://a.example", 5)
	seedWriteEdge(t, st, "pubkeyA", "wss://a.example")

	p := New(st, 50, 1)
	if err := p.Init(context.Background(), []string{"pubkeyA"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	outcome, _ := p.Pick()
	if outcome != OutcomeAssignment {
		t.Fatalf("setup: outcome = %v, want OutcomeAssignment", outcome)
	}

	realNow := nowFunc
	defer func() { nowFunc = realNow }()
	var fakeNow int64 = 1000
	nowFunc = func() int64 { return fakeNow }

	p.RelayDisconnected("wss://a.example", 60)

	// Still within the exclusion window: Pick should make no progress
	// on this single-relay fixture.
	outcome, _ = p.Pick()
	if outcome == OutcomeAssignment {
		t.Errorf("relay should still be excluded at t=%d", fakeNow)
	}

	fakeNow = 1061 // past the 60s exclusion window
	outcome, _ = p.Pick()
	if outcome != OutcomeAssignment {
		t.Errorf("outcome after exclusion expiry = %v, want OutcomeAssignment", outcome)
	}
}

func TestRelayDisconnectedInfiniteExclusion(t *testing.T) {
	st := store.NewMemory()
	seedRelay(t, st, "wss://a.example", 5)
	seedWriteEdge(t, st, "pubkeyA", "wss://a.example")

	p := New(st, 50, 1)
	if err := p.Init(context.Background(), []string{"pubkeyA"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	p.Pick()
	p.RelayDisconnected("wss://a.example", -1)

	outcome, _ := p.Pick()
	if outcome == OutcomeAssignment {
		t.Errorf("relay with infinite exclusion should never be re-assigned by Pick alone")
	}
}

func TestGCDropsUnfollowed(t *testing.T) {
	st := store.NewMemory()
	seedRelay(t, st, "wss://a.example", 5)
	seedWriteEdge(t, st, "pubkeyA", "wss://a.example")
	seedWriteEdge(t, st, "pubkeyB", "wss://a.example")

	p := New(st, 50, 1)
	if err := p.Init(context.Background(), []string{"pubkeyA", "pubkeyB"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	p.GC(map[string]struct{}{"pubkeyA": {}})

	if _, ok := p.pubkeyCounts["pubkeyB"]; ok {
		t.Errorf("pubkeyB should have been dropped by GC")
	}
	if _, ok := p.pubkeyCounts["pubkeyA"]; !ok {
		t.Errorf("pubkeyA should survive GC")
	}
}
