// Package picker implements the Relay Picker: it
// assigns followed authors to a bounded set of relays based on scored
// affinity and decides, one call at a time, which relay the
// Supervisor should engage next.
package picker

import (
	"context"
	"math"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/corvidae/nostrcore/internal/logx"
	"github.com/corvidae/nostrcore/internal/store"
	"github.com/corvidae/nostrcore/internal/types"
)

// Outcome is the result of one pick() call.
type Outcome int

const (
	OutcomeAssignment Outcome = iota
	OutcomeMaxConnectedRelays
	OutcomeNoPeopleLeft
	OutcomeNoProgress
)

// Assignment is what pick() returns on OutcomeAssignment.
type Assignment struct {
	URL     string
	PubKeys map[string]struct{}
}

// Picker owns the relay-to-assignment map and the remaining-slot
// counters; every other actor reads through its query interface
// (Supervisor-owned dispatch surface).
type Picker struct {
	store store.Storage
	log   *logx.Logger

	maxRelays          int
	numRelaysPerPerson int

	allRelays map[string]*types.Relay

	connected *xsync.MapOf[string, *types.RelayAssignment]
	excluded  *xsync.MapOf[string, int64] // url -> release unix time

	pubkeyCounts map[string]int
	bestRelays   map[string][]store.RelayScore // pubkey -> ranked write relays
}

func New(s store.Storage, maxRelays, numRelaysPerPerson int) *Picker {
	return &Picker{
		store:              s,
		log:                logx.New("picker", ""),
		maxRelays:          maxRelays,
		numRelaysPerPerson: numRelaysPerPerson,
		allRelays:          make(map[string]*types.Relay),
		connected:          xsync.NewMapOf[string, *types.RelayAssignment](),
		excluded:           xsync.NewMapOf[string, int64](),
		pubkeyCounts:       make(map[string]int),
		bestRelays:         make(map[string][]store.RelayScore),
	}
}

// Init loads relays and, for each followed person, computes the
// bounded desired slot count from their best write relays.
func (p *Picker) Init(ctx context.Context, followed []string) error {
	relays, err := p.store.AllRelays(ctx)
	if err != nil {
		return err
	}
	for _, r := range relays {
		p.allRelays[r.URL] = r
	}

	for _, pk := range followed {
		scores, err := p.store.GetBestRelays(ctx, pk, store.DirectionWrite)
		if err != nil {
			return err
		}
		p.bestRelays[pk] = scores
		desired := p.numRelaysPerPerson
		if len(scores) < desired {
			desired = len(scores)
		}
		p.pubkeyCounts[pk] = desired
	}
	return nil
}

// Clear drops every assignment, exclusion and cached score, returning
// the Picker to its pre-Init state. Called when the Supervisor
// transitions to Offline; a subsequent Online transition re-seeds it
// with a fresh Init call.
func (p *Picker) Clear() {
	p.allRelays = make(map[string]*types.Relay)
	p.connected = xsync.NewMapOf[string, *types.RelayAssignment]()
	p.excluded = xsync.NewMapOf[string, int64]()
	p.pubkeyCounts = make(map[string]int)
	p.bestRelays = make(map[string][]store.RelayScore)
}

// GC drops assignments (and their consumed slots) for people no
// longer followed.
func (p *Picker) GC(followed map[string]struct{}) {
	for pk := range p.pubkeyCounts {
		if _, ok := followed[pk]; !ok {
			delete(p.pubkeyCounts, pk)
			delete(p.bestRelays, pk)
		}
	}
	p.connected.Range(func(url string, a *types.RelayAssignment) bool {
		for pk := range a.PubKeys {
			if _, ok := followed[pk]; !ok {
				delete(a.PubKeys, pk)
			}
		}
		return true
	})
}

func (p *Picker) nowUnix() int64 { return nowFunc() }

// releaseExpired drops excluded relays whose release time has passed.
func (p *Picker) releaseExpired() {
	now := p.nowUnix()
	p.excluded.Range(func(url string, releaseAt int64) bool {
		if releaseAt <= now {
			p.excluded.Delete(url)
		}
		return true
	})
}

// Pick runs one iteration of the relay-assignment algorithm.
func (p *Picker) Pick() (Outcome, Assignment) {
	connectedCount := 0
	p.connected.Range(func(string, *types.RelayAssignment) bool { connectedCount++; return true })
	if connectedCount >= p.maxRelays {
		return OutcomeMaxConnectedRelays, Assignment{}
	}

	p.releaseExpired()

	if len(p.pubkeyCounts) == 0 {
		return OutcomeNoPeopleLeft, Assignment{}
	}

	bestURL := ""
	bestScore := 0.0
	for url, relay := range p.allRelays {
		if relay.Rank == 0 || relay.Hidden {
			continue
		}
		if _, excl := p.excluded.Load(url); excl {
			continue
		}
		already, _ := p.connected.Load(url)
		raw := 0.0
		for pk := range p.pubkeyCounts {
			if already != nil {
				if _, has := already.PubKeys[pk]; has {
					continue
				}
			}
			raw += p.personRelayScore(pk, url)
		}
		successRate := relay.SuccessRate()
		multiplier := math.Floor(float64(relay.Rank) * 1.3 * successRate)
		score := raw * multiplier
		if score > bestScore {
			bestScore = score
			bestURL = url
		}
	}

	if bestURL == "" || bestScore == 0 {
		return OutcomeNoProgress, Assignment{}
	}

	covered := map[string]struct{}{}
	for pk := range p.pubkeyCounts {
		for _, rs := range p.bestRelays[pk] {
			if rs.URL == bestURL {
				covered[pk] = struct{}{}
				break
			}
		}
	}
	for pk := range covered {
		p.pubkeyCounts[pk]--
		if p.pubkeyCounts[pk] <= 0 {
			delete(p.pubkeyCounts, pk)
		}
	}

	existing, _ := p.connected.Load(bestURL)
	if existing == nil {
		existing = &types.RelayAssignment{URL: bestURL, PubKeys: map[string]struct{}{}, Reason: types.ReasonFollow}
	}
	for pk := range covered {
		existing.PubKeys[pk] = struct{}{}
	}
	p.connected.Store(bestURL, existing)

	return OutcomeAssignment, Assignment{URL: bestURL, PubKeys: covered}
}

func (p *Picker) personRelayScore(pubkey, url string) float64 {
	for _, rs := range p.bestRelays[pubkey] {
		if rs.URL == url {
			return rs.Score
		}
	}
	return 0
}

// RelayDisconnected removes the relay from the connected set,
// re-credits each covered pubkey's slot count by one, and parks the
// relay in the penalty box for exclusionSeconds;
// negative means infinite, i.e. never auto-released).
func (p *Picker) RelayDisconnected(url string, exclusionSeconds int64) {
	assignment, ok := p.connected.LoadAndDelete(url)
	if ok {
		for pk := range assignment.PubKeys {
			p.pubkeyCounts[pk]++
		}
	}
	if exclusionSeconds < 0 {
		p.excluded.Store(url, math.MaxInt64)
		return
	}
	p.excluded.Store(url, p.nowUnix()+exclusionSeconds)
}

// nowFunc is overridable for deterministic tests.
var nowFunc = func() int64 { return unixNow() }
