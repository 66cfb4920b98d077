// Package feed implements the Feed Engine: it
// materializes ordered event-id lists for each feed kind from storage
// plus in-memory screening, with a single-flight recompute guard the
// way nitrous guards its own model refresh in update.go, adapted
// from a tea.Msg-driven redraw to an explicit atomic flag usable
// outside a bubbletea loop.
package feed

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/corvidae/nostrcore/internal/logx"
	"github.com/corvidae/nostrcore/internal/processor"
	"github.com/corvidae/nostrcore/internal/store"
	"github.com/corvidae/nostrcore/internal/types"
)

// KindTag discriminates the seven feed kinds.
type KindTag int

const (
	KindList KindTag = iota
	KindBookmarks
	KindInbox
	KindThread
	KindPerson
	KindDmChat
	KindGlobal
)

// Kind fully describes which feed is displayed, parameterized the way
// parameterized the way the feed kinds are enumerated below.
type Kind struct {
	Tag KindTag

	ListID      int
	WithReplies bool

	Indirect bool

	ThreadID           string
	ThreadReferencedBy string
	ThreadAuthor       string

	PersonPubKey string

	DmChannel string
}

// Options configures screening decisions that are policy, not data:
// whether replies and DMs are displayed at all, and how many events a
// load_more step pulls from the "before" side.
type Options struct {
	AllowReplies   bool
	AllowDMs       bool
	LoadMoreCount  int
	MePubKey       string
	ThreadTick     time.Duration
}

// Engine holds the current feed kind, its materialized event-id
// snapshot, and the anchor load_more backs up against.
type Engine struct {
	store store.Storage
	opts  Options
	log   *logx.Logger

	kind   Kind
	ids    []string
	anchor nostr.Timestamp

	recomputing int32 // atomic CAS guard: single-flight recompute

	bookmarkIDs []string
	dismissed   map[string]bool
}

func New(s store.Storage, opts Options) *Engine {
	if opts.LoadMoreCount == 0 {
		opts.LoadMoreCount = 50
	}
	if opts.ThreadTick == 0 {
		opts.ThreadTick = 500 * time.Millisecond
	}
	return &Engine{
		store:     s,
		opts:      opts,
		log:       logx.New("feed", ""),
		dismissed: make(map[string]bool),
	}
}

// SwitchFeed is synchronous: it sets the new kind and resets the
// anchor to now, but does not clear the current event set, preserving
// scroll position until a recompute lands.
func (e *Engine) SwitchFeed(ctx context.Context, k Kind) {
	e.kind = k
	e.anchor = nostr.Now()
	go e.SyncRecompute(ctx)
}

// RequiredHandles reports which worker subscription handles the
// Supervisor must ensure are open for the current feed kind, so it can
// unsubscribe the rest (switch_feed contract).
func (e *Engine) RequiredHandles() []types.SubscriptionHandle {
	switch e.kind.Tag {
	case KindList:
		return []types.SubscriptionHandle{types.HandleGeneralFeed}
	case KindInbox:
		return []types.SubscriptionHandle{types.HandleMentionsFeed}
	case KindThread:
		return []types.SubscriptionHandle{types.HandleThreadFeed}
	case KindPerson:
		return []types.SubscriptionHandle{types.HandlePersonFeed}
	case KindDmChat:
		return []types.SubscriptionHandle{types.HandleDMChannel}
	default:
		return nil
	}
}

// GetFeedEvents returns the current snapshot and fires a best-effort
// recompute in the background.
func (e *Engine) GetFeedEvents(ctx context.Context) []string {
	go e.SyncRecompute(ctx)
	return append([]string(nil), e.ids...)
}

// LoadMore backs the anchor to the created_at of the oldest currently
// included event and recomputes.
func (e *Engine) LoadMore(ctx context.Context) {
	if len(e.ids) == 0 {
		e.SyncRecompute(ctx)
		return
	}
	oldest := e.oldestCreatedAt(ctx)
	if oldest > 0 {
		e.anchor = oldest
	}
	e.SyncRecompute(ctx)
}

func (e *Engine) oldestCreatedAt(ctx context.Context) nostr.Timestamp {
	var min nostr.Timestamp
	for _, id := range e.ids {
		ev, err := e.store.ReadEvent(ctx, id)
		if err != nil || ev == nil {
			continue
		}
		if min == 0 || ev.CreatedAt < min {
			min = ev.CreatedAt
		}
	}
	return min
}

// SyncRecompute is the fire-and-forget entry point; at most one
// recompute runs at a time, concurrent callers no-op.
func (e *Engine) SyncRecompute(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.recomputing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&e.recomputing, 0)

	ids, err := e.recompute(ctx)
	if err != nil {
		e.log.Printf("recompute failed: %v", err)
		return
	}
	e.ids = ids
}

func (e *Engine) recompute(ctx context.Context) ([]string, error) {
	switch e.kind.Tag {
	case KindList:
		return e.recomputeList(ctx)
	case KindInbox:
		return e.recomputeInbox(ctx)
	case KindThread:
		return e.recomputeThread(ctx)
	case KindPerson:
		return e.recomputePerson(ctx)
	case KindDmChat:
		return e.recomputeDmChat(ctx)
	case KindBookmarks:
		return append([]string(nil), e.bookmarkIDs...), nil
	case KindGlobal:
		return e.recomputeGlobal(ctx)
	default:
		return nil, nil
	}
}

func (e *Engine) recomputeList(ctx context.Context) ([]string, error) {
	members, err := e.store.GetPeopleInList(ctx, e.kind.ListID)
	if err != nil {
		return nil, err
	}
	kinds := feedDisplayableKinds()

	since := e.anchor
	after, err := e.store.FindEventsByFilter(ctx, nostr.Filter{
		Authors: members, Kinds: kinds, Since: &since,
	})
	if err != nil {
		return nil, err
	}

	until := e.anchor - 1
	before, err := e.store.FindEventsByFilter(ctx, nostr.Filter{
		Authors: members, Kinds: kinds, Until: &until, Limit: e.opts.LoadMoreCount,
	})
	if err != nil {
		return nil, err
	}

	out := append(e.screenAll(after), e.screenAll(before)...)
	return dedupeIDs(out), nil
}

func (e *Engine) recomputeInbox(ctx context.Context) ([]string, error) {
	events, err := e.store.FindEventsByFilter(ctx, nostr.Filter{
		Kinds: feedDisplayableKinds(),
		Tags:  nostr.TagMap{"p": {e.opts.MePubKey}},
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ev := range events {
		if ev.PubKey == e.opts.MePubKey {
			continue
		}
		if !e.screen(ev) {
			continue
		}
		if !e.kind.Indirect && !directlyInvolvesMe(ev, e.opts.MePubKey) {
			continue
		}
		out = append(out, ev.ID)
	}
	return out, nil
}

func directlyInvolvesMe(e *nostr.Event, me string) bool {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == "p" && t[1] == me {
			return true
		}
	}
	for _, t := range e.Tags {
		if len(t) >= 4 && t[0] == "e" && t[3] == "reply" {
			return true
		}
	}
	return false
}

// recomputeThread only climbs to a higher local ancestor if one has
// arrived since the last recompute, and otherwise just re-lists the
// thread's current event set by id.
func (e *Engine) recomputeThread(ctx context.Context) ([]string, error) {
	root, _, err := e.store.GetHighestLocalParentEventID(ctx, e.kind.ThreadID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.FindEventsByFilter(ctx, nostr.Filter{Tags: nostr.TagMap{"e": {root}}})
	if err != nil {
		return nil, err
	}
	rootEvent, err := e.store.ReadEvent(ctx, root)
	if err != nil {
		return nil, err
	}
	var out []string
	if rootEvent != nil {
		out = append(out, rootEvent.ID)
	}
	for _, ev := range e.screenAll(events) {
		out = append(out, ev)
	}
	return dedupeIDs(out), nil
}

func (e *Engine) recomputePerson(ctx context.Context) ([]string, error) {
	events, err := e.store.FindEventsByFilter(ctx, nostr.Filter{
		Authors: []string{e.kind.PersonPubKey},
		Kinds:   feedDisplayableKinds(),
	})
	if err != nil {
		return nil, err
	}
	return e.screenAll(events), nil
}

func (e *Engine) recomputeDmChat(ctx context.Context) ([]string, error) {
	return e.store.DMEvents(ctx, e.kind.DmChannel)
}

func (e *Engine) recomputeGlobal(ctx context.Context) ([]string, error) {
	events, err := e.store.LoadVolatileEvents(ctx, func(ev *nostr.Event) bool {
		return e.screen(ev)
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ID)
	}
	return out, nil
}

func (e *Engine) screenAll(events []*nostr.Event) []string {
	screened := make([]*nostr.Event, 0, len(events))
	for _, ev := range events {
		if e.screen(ev) {
			screened = append(screened, ev)
		}
	}
	sort.Slice(screened, func(i, j int) bool { return screened[i].CreatedAt > screened[j].CreatedAt })
	out := make([]string, len(screened))
	for i, ev := range screened {
		out[i] = ev.ID
	}
	return out
}

// screen implements the universal basic-screen rule: created_at <=
// now, not dismissed, and reply/DM visibility gated by policy. A
// reaction/label/report/zap-receipt is never feed-displayable in the
// first place, so only the reply/DM/dismissed checks apply here.
func (e *Engine) screen(ev *nostr.Event) bool {
	if ev.CreatedAt > nostr.Now() {
		return false
	}
	if e.dismissed[ev.ID] {
		return false
	}
	if !e.opts.AllowReplies && isReply(ev) {
		return false
	}
	if !e.opts.AllowDMs && (ev.Kind == processor.KindEncryptedDM || ev.Kind == processor.KindGiftWrap) {
		return false
	}
	return true
}

func isReply(ev *nostr.Event) bool {
	for _, t := range ev.Tags {
		if len(t) >= 1 && t[0] == "e" {
			return true
		}
	}
	return false
}

func (e *Engine) Dismiss(id string) { e.dismissed[id] = true }

func (e *Engine) SetBookmarks(ids []string) { e.bookmarkIDs = ids }

func feedDisplayableKinds() []int {
	out := make([]int, 0, len(processor.FeedDisplayableKinds))
	for k := range processor.FeedDisplayableKinds {
		out = append(out, k)
	}
	return out
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
