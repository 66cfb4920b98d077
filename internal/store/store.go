// Package store defines the Storage contract the client core consumes
// and a minimal in-memory implementation good enough to
// exercise the Event Processor, Feed Engine and Seeker without the
// on-disk, transactional key-value store that is explicitly out of
// scope. Real deployments plug a durable implementation
// in behind this same interface.
package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/corvidae/nostrcore/internal/types"
)

// Direction selects which side of a person-relay edge get_best_relays
// should rank by.
type Direction int

const (
	DirectionWrite Direction = iota
	DirectionRead
)

// Txn is an opaque transaction handle; multi-step writes accept one
// optionally so callers can batch several mutations atomically. The
// in-memory store treats every call as already atomic (a single
// mutex) and Txn is a no-op token.
type Txn struct{}

// ScreenFunc filters volatile (non-persisted) events for the Global
// feed.
type ScreenFunc func(*nostr.Event) bool

// Storage is the durable store the client core reads and writes
// through.
type Storage interface {
	ReadEvent(ctx context.Context, id string) (*nostr.Event, error)
	WriteEvent(ctx context.Context, txn *Txn, e *nostr.Event) error
	HasEvent(ctx context.Context, id string) (bool, error)
	// ReplaceEvent writes iff the incoming event is strictly newer
	// than whatever is stored for (author, kind, dTag); returns
	// whether it wrote.
	ReplaceEvent(ctx context.Context, txn *Txn, e *nostr.Event) (wrote bool, err error)
	FindEventsByFilter(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error)
	GetHighestLocalParentEventID(ctx context.Context, id string) (string, bool, error)
	GetEventSeenOnRelay(ctx context.Context, id string) ([]string, error)
	AddEventSeenOnRelay(ctx context.Context, id, relayURL string) error
	GetReplaceableEvent(ctx context.Context, author string, kind int, dTag string) (*nostr.Event, error)
	Prune(ctx context.Context, before time.Time) (int, error)
	LoadVolatileEvents(ctx context.Context, screen ScreenFunc) ([]*nostr.Event, error)

	ModifyRelay(ctx context.Context, url string, fn func(*types.Relay)) error
	GetRelay(ctx context.Context, url string) (*types.Relay, bool, error)
	AllRelays(ctx context.Context) ([]*types.Relay, error)

	ModifyPerson(ctx context.Context, pubkey string, fn func(*types.Person)) error
	GetPerson(ctx context.Context, pubkey string) (*types.Person, bool, error)

	ModifyPersonRelay(ctx context.Context, pubkey, url string, fn func(*types.PersonRelay)) error
	GetPersonRelay(ctx context.Context, pubkey, url string) (*types.PersonRelay, bool, error)
	GetBestRelays(ctx context.Context, pubkey string, dir Direction) ([]RelayScore, error)

	ModifyPersonList(ctx context.Context, id int, fn func(*types.PersonList)) error
	GetPersonList(ctx context.Context, id int) (*types.PersonList, bool, error)
	GetPeopleInList(ctx context.Context, id int) ([]string, error)
	AllPersonLists(ctx context.Context) ([]*types.PersonList, error)
	DeletePersonList(ctx context.Context, id int) error

	DMEvents(ctx context.Context, channel string) ([]string, error)

	// Relationship edges extracted by the Event Processor, keyed by
	// the id or address of the event they refer to.
	AddRelationship(ctx context.Context, targetID string, rel Relationship) error
	RelationshipsFor(ctx context.Context, targetID string) ([]Relationship, error)
	HasDeletion(ctx context.Context, targetID string) (bool, error)
}

// RelayScore is one (url, score) pair returned by GetBestRelays.
type RelayScore struct {
	URL   string
	Score float64
}

// RelationshipKind enumerates the typed edges the Processor extracts
// when screening feed-displayable kinds.
type RelationshipKind int

const (
	RelReply RelationshipKind = iota
	RelTimestamp
	RelDeletion
	RelReaction
	RelLabels
	RelListMutesThread
	RelListPins
	RelListBookmarks
	RelCuration
	RelLiveChatMessage
	RelBadgeAward
	RelHandlerRecommendation
	RelReports
	RelZapReceipt
	RelJobResult
)

type Relationship struct {
	Kind        RelationshipKind
	SourceID    string // the event that carries the relationship
	SourceAuthor string
}

// Memory is a reference Storage implementation backed by in-process
// maps guarded by a single mutex — adequate for tests and for driving
// the rest of the client core end to end.
type Memory struct {
	mu sync.Mutex

	events       map[string]*nostr.Event
	replaceable  map[string]string // replKey(kind, author, dtag) -> event id
	seenOn       map[string][]string
	relations    map[string][]Relationship
	deletedIDs   map[string]bool

	relays       map[string]*types.Relay
	people       map[string]*types.Person
	personRelay  map[string]*types.PersonRelay // prKey(pubkey, url)
	lists        map[int]*types.PersonList
	nextListID   int

	dmChannels   map[string][]string
	volatile     []*nostr.Event
}

func NewMemory() *Memory {
	return &Memory{
		events:      make(map[string]*nostr.Event),
		replaceable: make(map[string]string),
		seenOn:      make(map[string][]string),
		relations:   make(map[string][]Relationship),
		deletedIDs:  make(map[string]bool),
		relays:      make(map[string]*types.Relay),
		people:      make(map[string]*types.Person),
		personRelay: make(map[string]*types.PersonRelay),
		lists:       make(map[int]*types.PersonList),
		nextListID:  types.ListMuted + 1,
		dmChannels:  make(map[string][]string),
	}
}

func prKey(pubkey, url string) string { return pubkey + "\x00" + url }

func replKey(kind int, author, dTag string) string {
	return strconv.Itoa(kind) + "\x00" + author + "\x00" + dTag
}

func dTagOf(e *nostr.Event) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == "d" {
			return t[1]
		}
	}
	return ""
}

func (m *Memory) ReadEvent(_ context.Context, id string) (*nostr.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[id], nil
}

func (m *Memory) WriteEvent(_ context.Context, _ *Txn, e *nostr.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; ok {
		return nil
	}
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *Memory) HasEvent(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[id]
	return ok, nil
}

func (m *Memory) ReplaceEvent(_ context.Context, _ *Txn, e *nostr.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := replKey(e.Kind, e.PubKey, dTagOf(e))
	if existingID, ok := m.replaceable[key]; ok {
		if existing, ok2 := m.events[existingID]; ok2 && existing.CreatedAt >= e.CreatedAt {
			return false, nil
		}
	}
	cp := *e
	m.events[e.ID] = &cp
	m.replaceable[key] = e.ID
	return true, nil
}

func (m *Memory) FindEventsByFilter(_ context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*nostr.Event
	for _, e := range m.events {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) GetHighestLocalParentEventID(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := id
	found := false
	for {
		e, ok := m.events[cur]
		if !ok {
			break
		}
		parent, hasParent := replyTo(e)
		if !hasParent {
			break
		}
		if _, ok := m.events[parent]; !ok {
			break
		}
		cur = parent
		found = true
	}
	return cur, found, nil
}

func replyTo(e *nostr.Event) (string, bool) {
	var root, reply string
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == "e" {
			marker := ""
			if len(t) >= 4 {
				marker = t[3]
			}
			switch marker {
			case "reply":
				reply = t[1]
			case "root":
				root = t[1]
			default:
				if root == "" {
					root = t[1]
				}
			}
		}
	}
	if reply != "" {
		return reply, true
	}
	if root != "" {
		return root, true
	}
	return "", false
}

func (m *Memory) GetEventSeenOnRelay(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seenOn[id]...), nil
}

func (m *Memory) AddEventSeenOnRelay(_ context.Context, id, relayURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.seenOn[id] {
		if u == relayURL {
			return nil
		}
	}
	m.seenOn[id] = append(m.seenOn[id], relayURL)
	return nil
}

func (m *Memory) GetReplaceableEvent(_ context.Context, author string, kind int, dTag string) (*nostr.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.replaceable[replKey(kind, author, dTag)]
	if !ok {
		return nil, nil
	}
	return m.events[id], nil
}

func (m *Memory) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	cutoff := nostr.Timestamp(before.Unix())
	for id, e := range m.events {
		if e.CreatedAt < cutoff {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) LoadVolatileEvents(_ context.Context, screen ScreenFunc) ([]*nostr.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*nostr.Event
	for _, e := range m.volatile {
		if screen == nil || screen(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) PutVolatile(e *nostr.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volatile = append(m.volatile, e)
}

func (m *Memory) ModifyRelay(_ context.Context, url string, fn func(*types.Relay)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relays[url]
	if !ok {
		r = &types.Relay{URL: url}
		m.relays[url] = r
	}
	fn(r)
	return nil
}

func (m *Memory) GetRelay(_ context.Context, url string) (*types.Relay, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relays[url]
	return r, ok, nil
}

func (m *Memory) AllRelays(_ context.Context) ([]*types.Relay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Relay, 0, len(m.relays))
	for _, r := range m.relays {
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) ModifyPerson(_ context.Context, pubkey string, fn func(*types.Person)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.people[pubkey]
	if !ok {
		p = &types.Person{PubKey: pubkey}
		m.people[pubkey] = p
	}
	fn(p)
	return nil
}

func (m *Memory) GetPerson(_ context.Context, pubkey string) (*types.Person, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.people[pubkey]
	return p, ok, nil
}

func (m *Memory) ModifyPersonRelay(_ context.Context, pubkey, url string, fn func(*types.PersonRelay)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := prKey(pubkey, url)
	pr, ok := m.personRelay[key]
	if !ok {
		pr = &types.PersonRelay{PubKey: pubkey, URL: url}
		m.personRelay[key] = pr
	}
	fn(pr)
	return nil
}

func (m *Memory) GetPersonRelay(_ context.Context, pubkey, url string) (*types.PersonRelay, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.personRelay[prKey(pubkey, url)]
	return pr, ok, nil
}

// GetBestRelays scores every known (pubkey, relay) edge by recency
// across the three suggestion timestamps plus explicit read/write
// bits, descending. This backs the Relay Picker's initialization
// relay affinity scoring.
func (m *Memory) GetBestRelays(_ context.Context, pubkey string, dir Direction) ([]RelayScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RelayScore
	for key, pr := range m.personRelay {
		if pr.PubKey != pubkey {
			continue
		}
		_ = key
		relevant := pr.Read || pr.ManualRead
		if dir == DirectionWrite {
			relevant = pr.Write || pr.ManualWrite
		}
		if !relevant {
			continue
		}
		score := personRelayScore(pr)
		out = append(out, RelayScore{URL: pr.URL, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func personRelayScore(pr *types.PersonRelay) float64 {
	score := 0.0
	now := time.Now()
	weight := func(t time.Time, w float64) float64 {
		if t.IsZero() {
			return 0
		}
		age := now.Sub(t).Hours()
		if age < 0 {
			age = 0
		}
		return w / (1 + age/24)
	}
	score += weight(pr.LastSuggestedKind3, 3.0)
	score += weight(pr.LastSuggestedNIP05, 2.0)
	score += weight(pr.LastSuggestedViaTag, 1.0)
	score += weight(pr.LastFetched, 0.5)
	if pr.ManualWrite || pr.ManualRead {
		score += 5.0
	}
	return score
}

func (m *Memory) ModifyPersonList(_ context.Context, id int, fn func(*types.PersonList)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[id]
	if !ok {
		l = &types.PersonList{ID: id, Members: make(map[string]types.ListEntry)}
		m.lists[id] = l
	}
	fn(l)
	return nil
}

func (m *Memory) GetPersonList(_ context.Context, id int) (*types.PersonList, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[id]
	return l, ok, nil
}

func (m *Memory) GetPeopleInList(_ context.Context, id int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[id]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(l.Members))
	for pk := range l.Members {
		out = append(out, pk)
	}
	return out, nil
}

func (m *Memory) AllPersonLists(_ context.Context) ([]*types.PersonList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.PersonList, 0, len(m.lists))
	for _, l := range m.lists {
		out = append(out, l)
	}
	return out, nil
}

// AllocateList creates a new user list for the given d-tag and returns
// its id, used by processing of MuteList/FollowSets events.
func (m *Memory) AllocateList(dTag, title string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lists {
		if l.DTag == dTag {
			return l.ID
		}
	}
	id := m.nextListID
	m.nextListID++
	m.lists[id] = &types.PersonList{ID: id, DTag: dTag, Title: title, Members: make(map[string]types.ListEntry)}
	return id
}

func (m *Memory) DeletePersonList(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, id)
	return nil
}

func (m *Memory) DMEvents(_ context.Context, channel string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dmChannels[channel]...), nil
}

func (m *Memory) AddDMEvent(channel, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dmChannels[channel] = append(m.dmChannels[channel], eventID)
}

func (m *Memory) AddRelationship(_ context.Context, targetID string, rel Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relations[targetID] = append(m.relations[targetID], rel)
	if rel.Kind == RelDeletion {
		m.deletedIDs[targetID] = true
	}
	return nil
}

func (m *Memory) RelationshipsFor(_ context.Context, targetID string) ([]Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Relationship(nil), m.relations[targetID]...), nil
}

func (m *Memory) HasDeletion(_ context.Context, targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletedIDs[targetID], nil
}
