// Package processor implements the Event Processor.
// Every step is idempotent and ordered exactly as specified; kind
// constants and content parsing follow the same patterns nitrous
// uses for its own kind-0/kind-30000/kind-40 handling (nostr.go,
// nip51.go), generalized from "chat app" kinds to the full
// feed-displayable/feed-related surface this client core needs.
package processor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/corvidae/nostrcore/internal/logx"
	"github.com/corvidae/nostrcore/internal/store"
	"github.com/corvidae/nostrcore/internal/types"
)

const (
	KindMetadata     = 0
	KindTextNote     = 1
	KindContactList  = 3
	KindDeletion     = 5
	KindRepost       = 6
	KindReaction     = 7
	KindGenericRepost = 16
	KindEncryptedDM  = 4
	KindGiftWrap     = 1059
	KindMuteList     = 10000
	KindRelayList    = 10002
	KindFollowSets   = 30000
	KindZapReceipt   = 9735
	KindReports      = 1984
	KindLabels       = 1985
	KindLiveChatMsg  = 1311
	KindBadgeAward   = 8
	KindHandlerRecommendation = 31989
	KindJobResult    = 6000 // base of the NIP-90 6000-6999 result range
	KindCuration     = 30004
	KindListPins     = 10001
	KindListBookmarks = 10003
	KindListMutesThread = 10000 // thread-local mutes reuse the MuteList relationship kind
)

// Seeker is the subset of the Seeker's surface the Processor calls
// into for kind-specific post-processing (repost targets, bech32
// mentions). Declared here, implemented by package seeker, to avoid
// a dependency cycle (seeker also depends on storage, not on
// processor).
type Seeker interface {
	SeekID(ctx context.Context, id string, speculativeRelays []string, climb bool)
	SeekIDAndAuthor(ctx context.Context, id, author string, speculativeRelays []string, climb bool)
}

// Dismisser is the Feed Engine's narrow surface for realizing a
// deletion (step 9 of the pipeline below): it drops an id from any
// materialized feed list without needing the Processor to know
// anything about feed recomputation.
type Dismisser interface {
	Dismiss(id string)
}

// SpamVerdict is the outcome of the spam-gate filter hook.
type SpamVerdict int

const (
	SpamAllow SpamVerdict = iota
	SpamDeny
	SpamMuteAuthor
)

// SpamFilter decides whether a feed-displayable event from a
// non-followed author should be shown, discarded, or should also mute
// its author.
type SpamFilter func(e *nostr.Event) SpamVerdict

// FeedDisplayableKinds and FeedRelatedKinds are configurable per the
// GLOSSARY; these are sane defaults a deployment can override.
var FeedDisplayableKinds = map[int]bool{
	KindTextNote: true, KindRepost: true, KindGenericRepost: true,
	KindEncryptedDM: true, KindGiftWrap: true, KindLiveChatMsg: true,
}

var FeedRelatedKinds = unionKinds(FeedDisplayableKinds, map[int]bool{
	KindReaction: true, KindDeletion: true, KindZapReceipt: true,
	KindLabels: true, KindReports: true,
})

func unionKinds(a, b map[int]bool) map[int]bool {
	out := make(map[int]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func IsFeedDisplayable(kind int) bool { return FeedDisplayableKinds[kind] }

// ReplaceableKinds per NIP-01/33: 0, 3, 10000-19999 are replaceable;
// 30000-39999 are parameterized replaceable (keyed additionally by
// d-tag, handled uniformly by store.ReplaceEvent).
func IsReplaceable(kind int) bool {
	return kind == KindMetadata || kind == KindContactList ||
		(kind >= 10000 && kind < 20000) || (kind >= 30000 && kind < 40000)
}

// Input bundles one inbound event and its processing context, mapping
// directly onto the "(event, seen_on_relay?,
// subscription_handle?, verify_flag, process_even_if_duplicate)".
type Input struct {
	Event                *nostr.Event
	SeenOnRelay          string // empty if not applicable
	Handle               types.SubscriptionHandle
	Verify               bool
	ProcessEvenIfDup bool
}

type Processor struct {
	store           store.Storage
	id              Identity
	seeker          Seeker
	dismisser       Dismisser
	filter          SpamFilter
	futureAllowance time.Duration
	log             *logx.Logger
}

// Identity is the minimal decrypt surface the Processor needs to
// unwrap GiftWrap events (step 7 of the pipeline below).
type Identity interface {
	DecryptNip44(ctx context.Context, peerPubkey, ciphertext string) (string, error)
}

func New(s store.Storage, id Identity, seeker Seeker, dismisser Dismisser, filter SpamFilter, futureAllowance time.Duration) *Processor {
	if filter == nil {
		filter = func(*nostr.Event) SpamVerdict { return SpamAllow }
	}
	return &Processor{store: s, id: id, seeker: seeker, dismisser: dismisser, filter: filter, futureAllowance: futureAllowance, log: logx.New("processor", "")}
}

// Process runs the ten-step ingest pipeline. Every step is
// idempotent; callers may resubmit the same input safely.
func (p *Processor) Process(ctx context.Context, in Input) error {
	e := in.Event

	// 1. Duplicate detection.
	dup, err := p.store.HasEvent(ctx, e.ID)
	if err != nil {
		return err
	}
	if dup && !in.ProcessEvenIfDup {
		if in.SeenOnRelay != "" {
			_ = p.store.AddEventSeenOnRelay(ctx, e.ID, in.SeenOnRelay)
			_ = p.store.ModifyPersonRelay(ctx, e.PubKey, in.SeenOnRelay, func(pr *types.PersonRelay) {
				pr.LastFetched = time.Now()
			})
		}
		return nil
	}

	// 2. Verification.
	if !dup && in.Verify {
		if e.GetID() != e.ID {
			return nil
		}
		if ok, _ := e.CheckSignature(); !ok {
			return nil
		}
		if e.CreatedAt > nostr.Timestamp(time.Now().Add(p.futureAllowance).Unix()) {
			return nil
		}
	}

	// 3. Seen-on-relay / person-relay updates.
	if in.SeenOnRelay != "" {
		_ = p.store.AddEventSeenOnRelay(ctx, e.ID, in.SeenOnRelay)
		_ = p.store.ModifyPersonRelay(ctx, e.PubKey, in.SeenOnRelay, func(pr *types.PersonRelay) {
			pr.LastFetched = time.Now()
		})
	}

	// 4. Spam gate.
	if IsFeedDisplayable(e.Kind) {
		person, _, _ := p.store.GetPerson(ctx, e.PubKey)
		followed := person != nil && person.Followed
		if !followed {
			switch p.filter(e) {
			case SpamDeny:
				return nil
			case SpamMuteAuthor:
				_ = p.store.ModifyPerson(ctx, e.PubKey, func(pp *types.Person) { pp.Muted = true })
				return nil
			}
		}
	}

	// 5. Deletion gate.
	if deleted, _ := p.store.HasDeletion(ctx, e.ID); deleted {
		return nil
	}
	if addr := addressOf(e); addr != "" {
		if deleted, _ := p.store.HasDeletion(ctx, addr); deleted {
			return nil
		}
	}

	// 6. Persistence.
	if IsReplaceable(e.Kind) {
		if _, err := p.store.ReplaceEvent(ctx, nil, e); err != nil {
			return err
		}
	} else {
		if err := p.store.WriteEvent(ctx, nil, e); err != nil {
			return err
		}
	}

	// 7. Unwrap GiftWrap.
	effective := e
	if e.Kind == KindGiftWrap {
		rumor, err := p.unwrapGiftWrap(ctx, e)
		if err == nil && rumor != nil {
			rumor.ID = e.ID
			effective = rumor
		}
	}

	// 8. Relay hints.
	p.extractRelayHints(ctx, effective)

	// 9. Relationship extraction.
	p.extractRelationships(ctx, effective)

	// 10. Kind-specific post-processing.
	p.postProcessKind(ctx, effective)

	return nil
}

func addressOf(e *nostr.Event) string {
	if !IsReplaceable(e.Kind) || e.Kind < 30000 {
		return ""
	}
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == "d" {
			return addrKey(e.Kind, e.PubKey, t[1])
		}
	}
	return ""
}

func addrKey(kind int, author, dTag string) string {
	return "addr:" + itoa(kind) + ":" + author + ":" + dTag
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func (p *Processor) unwrapGiftWrap(ctx context.Context, wrap *nostr.Event) (*nostr.Event, error) {
	plaintext, err := p.id.DecryptNip44(ctx, wrap.PubKey, wrap.Content)
	if err != nil {
		return nil, err
	}
	var seal nostr.Event
	if err := json.Unmarshal([]byte(plaintext), &seal); err != nil {
		return nil, err
	}
	rumorPlain, err := p.id.DecryptNip44(ctx, seal.PubKey, seal.Content)
	if err != nil {
		return nil, err
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorPlain), &rumor); err != nil {
		return nil, err
	}
	return &rumor, nil
}

func (p *Processor) extractRelayHints(ctx context.Context, e *nostr.Event) {
	for _, t := range e.Tags {
		if len(t) < 3 {
			continue
		}
		if t[0] != "e" && t[0] != "p" {
			continue
		}
		hint := strings.TrimSpace(t[2])
		if hint == "" {
			continue
		}
		if _, ok, _ := p.store.GetRelay(ctx, hint); !ok {
			_ = p.store.ModifyRelay(ctx, hint, func(*types.Relay) {})
		}
	}
}

func (p *Processor) extractRelationships(ctx context.Context, e *nostr.Event) {
	rel, targetID := classifyRelationship(e)
	if targetID == "" {
		return
	}
	_ = p.store.AddRelationship(ctx, targetID, store.Relationship{
		Kind:         rel,
		SourceID:     e.ID,
		SourceAuthor: e.PubKey,
	})

	// Actual deletion of the referenced event happens only if the
	// deletion author matches the target author and the target kind
	// is not feed-displayable (step 9 of the pipeline).
	if e.Kind == KindDeletion {
		target, err := p.store.ReadEvent(ctx, targetID)
		if err == nil && target != nil && target.PubKey == e.PubKey && !IsFeedDisplayable(target.Kind) {
			if p.dismisser != nil {
				p.dismisser.Dismiss(targetID)
			}
		}
	}
}

func classifyRelationship(e *nostr.Event) (store.RelationshipKind, string) {
	switch e.Kind {
	case KindDeletion:
		for _, t := range e.Tags {
			if len(t) >= 2 && t[0] == "e" {
				return store.RelDeletion, t[1]
			}
			if len(t) >= 2 && t[0] == "a" {
				return store.RelDeletion, "addr:" + t[1]
			}
		}
	case KindReaction:
		if id, ok := lastTag(e, "e"); ok {
			return store.RelReaction, id
		}
	case KindZapReceipt:
		if id, ok := lastTag(e, "e"); ok {
			return store.RelZapReceipt, id
		}
	case KindLabels:
		if id, ok := lastTag(e, "e"); ok {
			return store.RelLabels, id
		}
	case KindReports:
		if id, ok := lastTag(e, "e"); ok {
			return store.RelReports, id
		}
	case KindLiveChatMsg:
		if id, ok := lastTag(e, "e"); ok {
			return store.RelLiveChatMessage, id
		}
	case KindBadgeAward:
		if id, ok := lastTag(e, "p"); ok {
			return store.RelBadgeAward, id
		}
	case KindHandlerRecommendation:
		if id, ok := lastTag(e, "d"); ok {
			return store.RelHandlerRecommendation, id
		}
	case KindCuration:
		if id, ok := lastTag(e, "e"); ok {
			return store.RelCuration, id
		}
	case KindListPins:
		if id, ok := lastTag(e, "e"); ok {
			return store.RelListPins, id
		}
	case KindListBookmarks:
		if id, ok := lastTag(e, "e"); ok {
			return store.RelListBookmarks, id
		}
	default:
		if id, ok := lastTag(e, "e"); ok && isReplyMarked(e) {
			return store.RelReply, id
		}
	}
	return 0, ""
}

func isReplyMarked(e *nostr.Event) bool {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == "e" {
			return true
		}
	}
	return false
}

func lastTag(e *nostr.Event, name string) (string, bool) {
	var v string
	found := false
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			v = t[1]
			found = true
		}
	}
	return v, found
}

func (p *Processor) postProcessKind(ctx context.Context, e *nostr.Event) {
	switch e.Kind {
	case KindMetadata:
		p.processMetadata(ctx, e)
	case KindContactList:
		p.processContactList(ctx, e)
	case KindMuteList, KindFollowSets:
		p.processAllocatedList(ctx, e)
	case KindRelayList:
		p.processRelayList(ctx, e)
	case KindRepost, KindGenericRepost:
		p.seekRepostTarget(ctx, e)
	}
	if IsFeedDisplayable(e.Kind) {
		p.scanContentForMentions(ctx, e)
	}
}

func (p *Processor) processMetadata(ctx context.Context, e *nostr.Event) {
	var meta types.Metadata
	if err := json.Unmarshal([]byte(e.Content), &meta); err != nil {
		return
	}
	_ = p.store.ModifyPerson(ctx, e.PubKey, func(pp *types.Person) {
		pp.Metadata = &meta
	})
}

func (p *Processor) processContactList(ctx context.Context, e *nostr.Event) {
	// Legacy relay list embedded in content, when present.
	if strings.TrimSpace(e.Content) != "" && strings.TrimSpace(e.Content) != "{}" {
		var legacy map[string]struct {
			Read  bool `json:"read"`
			Write bool `json:"write"`
		}
		if err := json.Unmarshal([]byte(e.Content), &legacy); err == nil {
			for url, rw := range legacy {
				_ = p.store.ModifyPersonRelay(ctx, e.PubKey, url, func(pr *types.PersonRelay) {
					pr.Read = rw.Read
					pr.Write = rw.Write
				})
			}
		}
	}
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == "p" {
			_ = p.store.ModifyPersonList(ctx, types.ListFollowed, func(l *types.PersonList) {
				if l.Members == nil {
					l.Members = map[string]types.ListEntry{}
				}
				l.Members[t[1]] = types.ListEntry{PubKey: t[1], Public: true}
			})
		}
	}
}

// processAllocatedList allocates (or reuses) a user person-list keyed
// by the event's d-tag for MuteList/FollowSets events, matching the
// teacher's own kind-30000 "Chat-Friends" d-tag convention in
// nip51.go, generalized to arbitrary list titles.
func (p *Processor) processAllocatedList(ctx context.Context, e *nostr.Event) {
	dTag, _ := lastTag(e, "d")
	builtin := e.Kind == KindMuteList && dTag == ""
	listID := types.ListMuted
	if !builtin {
		alloc, ok := p.store.(interface {
			AllocateList(dTag, title string) int
		})
		if !ok {
			return
		}
		listID = alloc.AllocateList(dTag, dTag)
	}
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == "p" {
			_ = p.store.ModifyPersonList(ctx, listID, func(l *types.PersonList) {
				if l.Members == nil {
					l.Members = map[string]types.ListEntry{}
				}
				l.Members[t[1]] = types.ListEntry{PubKey: t[1], Public: true}
			})
		}
	}
}

func (p *Processor) processRelayList(ctx context.Context, e *nostr.Event) {
	for _, t := range e.Tags {
		if len(t) < 2 || t[0] != "r" {
			continue
		}
		url := t[1]
		marker := ""
		if len(t) >= 3 {
			marker = t[2]
		}
		read := marker == "" || marker == "read"
		write := marker == "" || marker == "write"
		_ = p.store.ModifyPersonRelay(ctx, e.PubKey, url, func(pr *types.PersonRelay) {
			pr.Read = read
			pr.Write = write
		})
	}
	_ = p.store.ModifyPerson(ctx, e.PubKey, func(pp *types.Person) {
		pp.LastRelayListSought = time.Time{}
	})
}

func (p *Processor) seekRepostTarget(ctx context.Context, e *nostr.Event) {
	id, ok := lastTag(e, "e")
	if !ok || p.seeker == nil {
		return
	}
	p.seeker.SeekID(ctx, id, nil, false)
}

// scanContentForMentions looks for nostr: bech32 references (note1,
// nevent1, npub1, nprofile1) in the content and seeks any that aren't
// already known locally.
func (p *Processor) scanContentForMentions(ctx context.Context, e *nostr.Event) {
	if p.seeker == nil {
		return
	}
	for _, tok := range strings.Fields(e.Content) {
		tok = strings.TrimPrefix(tok, "nostr:")
		tok = strings.Trim(tok, ".,!?()[]{}\"'")
		if !strings.HasPrefix(tok, "note1") && !strings.HasPrefix(tok, "nevent1") &&
			!strings.HasPrefix(tok, "npub1") && !strings.HasPrefix(tok, "nprofile1") {
			continue
		}
		prefix, data, err := nip19.Decode(tok)
		if err != nil {
			continue
		}
		switch prefix {
		case "note":
			if has, _ := p.store.HasEvent(ctx, data.(string)); !has {
				p.seeker.SeekID(ctx, data.(string), nil, false)
			}
		case "nevent":
			ptr := data.(nostr.EventPointer)
			if has, _ := p.store.HasEvent(ctx, ptr.ID); !has {
				p.seeker.SeekID(ctx, ptr.ID, ptr.Relays, false)
			}
		case "npub":
			_ = p.store.ModifyPerson(ctx, data.(string), func(*types.Person) {})
		case "nprofile":
			ptr := data.(nostr.ProfilePointer)
			_ = p.store.ModifyPerson(ctx, ptr.PublicKey, func(*types.Person) {})
		}
	}
}
