// Package types holds the client's in-memory data model: relay
// records, people, person-relay edges, person lists, subscriptions,
// relay assignments, pending items and feed anchors. Events themselves
// are represented with github.com/nbd-wtf/go-nostr's nostr.Event —
// pinpox-nitrous builds every wire event with that type and there is
// no reason to wrap it again here.
package types

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// UsageBit is one flag in a relay's usage bitmask.
type UsageBit uint16

const (
	UsageRead UsageBit = 1 << iota
	UsageWrite
	UsageInbox
	UsageOutbox
	UsageDiscover
	UsageAdvertise
	UsageSpamsafe
)

func (b UsageBit) In(mask UsageBit) bool { return mask&b != 0 }

// TriBool models an optional boolean: unset, or explicitly true/false.
// Used for allow_auth / allow_connect, which distinguish "never asked"
// from "asked and denied".
type TriBool int

const (
	TriUnset TriBool = iota
	TriTrue
	TriFalse
)

func (t TriBool) Bool(def bool) bool {
	switch t {
	case TriTrue:
		return true
	case TriFalse:
		return false
	default:
		return def
	}
}

// Relay is the persisted record for one relay URL.
type Relay struct {
	URL string

	SuccessCount int
	FailureCount int

	Rank int // 0-9; 0 disables the relay entirely

	Usage UsageBit

	NIP11 *NIP11Document

	// LastGeneralEOSE tracks, per general-feed-like subscription, the
	// newest created_at we've confirmed as fully backfilled.
	LastGeneralEOSE nostr.Timestamp

	AllowAuth    TriBool
	AllowConnect TriBool

	Hidden bool

	LastConnectedAt time.Time
}

func (r *Relay) SuccessRate() float64 {
	total := r.SuccessCount + r.FailureCount
	if total == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(total)
}

// NIP11Document is the subset of the relay information document we
// retain; its full shape is defined externally by NIP-11.
type NIP11Document struct {
	Name          string
	Description   string
	Software      string
	Version       string
	SupportedNIPs []int
	Limitation    map[string]any
}

// Metadata is a person's kind-0 profile content, decoded.
type Metadata struct {
	Name    string
	About   string
	Picture string
	NIP05   string
}

// NIP05State captures the last verification result for a person's
// NIP-05 identifier.
type NIP05State struct {
	Valid       bool
	LastChecked time.Time
}

// Person is the record for one public key.
type Person struct {
	PubKey string

	Metadata *Metadata
	NIP05    NIP05State

	PetName string

	// Followed/Muted membership is tracked through PersonList, not
	// here; this flag is a fast local cache the
	// picker and processor consult without walking list membership.
	Followed bool
	Muted    bool

	LastRelayListSought time.Time
}

// PersonRelay is the (person, relay) edge: the weighted signal the
// picker scores relays with.
type PersonRelay struct {
	PubKey string
	URL    string

	Read  bool
	Write bool

	ManualRead  bool
	ManualWrite bool

	LastFetched          time.Time
	LastSuggestedKind3   time.Time
	LastSuggestedNIP05   time.Time
	LastSuggestedViaTag  time.Time
}

// ListEntry is one member of a PersonList.
type ListEntry struct {
	PubKey  string
	Public  bool
}

// Builtin person-list identifiers; additional lists are allocated by
// d-tag and keyed by arbitrary positive integers above these.
const (
	ListFollowed = 1
	ListMuted    = 2
)

// PersonList is a named set of people, either one of the two builtins
// or a user-allocated list keyed by a kind-30000-style d-tag.
type PersonList struct {
	ID      int
	DTag    string // empty for the two builtins
	Title   string
	Members map[string]ListEntry // keyed by pubkey
}

// SubscriptionHandle is the worker-internal stable name for a live
// subscription.
type SubscriptionHandle string

const (
	HandleGeneralFeed    SubscriptionHandle = "general_feed"
	HandleMentionsFeed   SubscriptionHandle = "mentions_feed"
	HandleConfigFeed     SubscriptionHandle = "config_feed"
	HandleThreadFeed     SubscriptionHandle = "thread_feed"
	HandlePersonFeed     SubscriptionHandle = "person_feed"
	HandleDMChannel      SubscriptionHandle = "dm_channel"
	HandleNip46          SubscriptionHandle = "nip46"
	HandleTempAugments   SubscriptionHandle = "temp_augments"
	HandleTempSubMeta    SubscriptionHandle = "temp_subscribe_metadata"
)

// IsTemp reports whether a handle is single-shot: closed on EOSE, and
// its events ignored for bump-forward purposes once past the window.
func (h SubscriptionHandle) IsTemp() bool {
	return len(h) >= 5 && h[:5] == "temp_"
}

// Subscription is a live query on one relay worker.
type Subscription struct {
	Handle    SubscriptionHandle
	WireID    string
	Filters   []nostr.Filter
	EOSESeen  bool
	JobID     string
}

// AssignReason explains why a relay was assigned a set of people.
type AssignReason int

const (
	ReasonFollow AssignReason = iota
	ReasonFetchInbox
	ReasonDiscovery
	ReasonPostEvent
	ReasonAdvertise
)

// RelayAssignment maps one relay to the set of pubkeys it is currently
// responsible for, with the reason it was made.
type RelayAssignment struct {
	URL     string
	PubKeys map[string]struct{}
	Reason  AssignReason
}

// ApprovalAnswer is the user's response to a pending item that asked
// for a yes/no decision.
type ApprovalAnswer int

const (
	AnswerDeclined ApprovalAnswer = iota
	AnswerApproved
	AnswerApprovedPermanent
)

// PendingItem is a user-visible awaited decision.
type PendingItem interface {
	isPendingItem()
}

type RelayAuthenticationRequest struct {
	PubKey string
	URL    string
}

type RelayConnectionRequest struct {
	URL  string
	Jobs []Job
}

type Nip46Request struct {
	ClientName string
	Account    string
	Command    string
}

type NotifyMessage string

func (RelayAuthenticationRequest) isPendingItem() {}
func (RelayConnectionRequest) isPendingItem()     {}
func (Nip46Request) isPendingItem()               {}
func (NotifyMessage) isPendingItem()              {}

// Job is one unit of work handed to a relay worker: a subscription to
// open/extend or a post to make. JobID is used by the supervisor/
// worker to report completion back.
type Job struct {
	ID     string
	Reason AssignReason
	// Persistent jobs (handle is a long-lived feed subscription) stay
	// queued across reconnects; non-persistent jobs (a one-shot
	// fetch) replace any existing job with the same reason instead of
	// stacking.
	Persistent bool
	Handle     SubscriptionHandle
	// Filters is used verbatim when non-nil (temp fetches, thread/dm/
	// config/nip46 feeds, where the caller already knows the exact
	// shape). When nil, the worker builds filters itself for handles
	// whose "since" depends on per-relay state it alone owns
	// (general_feed, mentions_feed) — see buildFilters.
	Filters   []nostr.Filter
	PostEvent *nostr.Event

	// Fields consulted by buildFilters for general_feed/mentions_feed.
	PubKeys               []string
	StaleRelayListAuthors []string // subset of PubKeys whose relay list is >8h stale
	MePubKey              string
	FeedKinds             []int // kinds for the main filter; the general-feed jobs carry every feed-related kind
	RestrictAuthorsSpamsafe bool
	ChunkSecs             int
	RepliesChunkSecs      int
}

// FeedKindKey is the canonical string a feed anchor is stored under.
type FeedKindKey string
