// Package supervisor implements the Supervisor: the
// single logical actor that serializes every user intent and worker
// lifecycle event onto one total order. It is the client core's top
// level, wired from cmd/nitrousd the way nitrous's model.go wires
// its Program, Keys and nostr client together, generalized from a
// single foreground relay pool into the full engage/pick/finish_job
// relay-lifecycle machine this client core runs.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nbd-wtf/go-nostr"

	"github.com/corvidae/nostrcore/internal/config"
	"github.com/corvidae/nostrcore/internal/feed"
	"github.com/corvidae/nostrcore/internal/identity"
	"github.com/corvidae/nostrcore/internal/logx"
	"github.com/corvidae/nostrcore/internal/nip46"
	"github.com/corvidae/nostrcore/internal/picker"
	"github.com/corvidae/nostrcore/internal/processor"
	"github.com/corvidae/nostrcore/internal/seeker"
	"github.com/corvidae/nostrcore/internal/store"
	"github.com/corvidae/nostrcore/internal/types"
	"github.com/corvidae/nostrcore/internal/worker"
)

// State is the per-run lifecycle state machine.
type State int

const (
	StateInitializing State = iota
	StateOnline
	StateOffline
	StateShuttingDown
)

// Intent is one queued user action or worker-lifecycle notification;
// the Supervisor processes intents strictly one at a time, never
// concurrently with each other, against shared state.
type Intent interface{ isIntent() }

type (
	AddRelay          struct{ URL string }
	DropRelay         struct{ URL string }
	RankRelay         struct {
		URL  string
		Rank int
	}
	HideOrShowRelay struct {
		URL    string
		Hidden bool
	}
	AuthApproved struct {
		URL       string
		Permanent bool
	}
	AuthDeclined struct{ URL string }
	ConnectApproved struct {
		URL       string
		Permanent bool
	}
	ConnectDeclined struct{ URL string }
	FollowPubkey    struct{ PubKey string }
	Post            struct {
		Content string
		Tags    nostr.Tags
		ReplyTo string
	}
	Repost  struct{ EventID string }
	Like    struct{ EventID string }
	DeletePost struct{ EventID string }
	SetActivePerson struct{ PubKey string }
	SetDmChannel    struct{ Channel string }
	SetPersonFeed   struct{ PubKey string }
	SetThreadFeed   struct {
		ID           string
		ReferencedBy string
		Author       string
	}
	LoadMoreCurrentFeed struct{}
	FetchEvent          struct {
		ID     string
		Relays []string
	}
	FetchEventAddr struct{ Addr string }
	Nip46ApprovalResponse struct {
		PeerPubKey string
		Command    string
		Answer     types.ApprovalAnswer
		Until      time.Time
	}
	MinionJobComplete struct {
		URL   string
		JobID string
	}
	ReengageMinion struct{ URL string }
	RefreshScoresAndPickRelays struct{}
	GoOffline                  struct{}
	GoOnline                   struct{}
	ShutdownIntent             struct{}
)

func (AddRelay) isIntent()                  {}
func (DropRelay) isIntent()                 {}
func (RankRelay) isIntent()                 {}
func (HideOrShowRelay) isIntent()           {}
func (AuthApproved) isIntent()              {}
func (AuthDeclined) isIntent()              {}
func (ConnectApproved) isIntent()           {}
func (ConnectDeclined) isIntent()           {}
func (FollowPubkey) isIntent()              {}
func (Post) isIntent()                      {}
func (Repost) isIntent()                    {}
func (Like) isIntent()                      {}
func (DeletePost) isIntent()                {}
func (SetActivePerson) isIntent()           {}
func (SetDmChannel) isIntent()              {}
func (SetPersonFeed) isIntent()             {}
func (SetThreadFeed) isIntent()             {}
func (LoadMoreCurrentFeed) isIntent()       {}
func (FetchEvent) isIntent()                {}
func (FetchEventAddr) isIntent()            {}
func (Nip46ApprovalResponse) isIntent()     {}
func (MinionJobComplete) isIntent()         {}
func (ReengageMinion) isIntent()            {}
func (RefreshScoresAndPickRelays) isIntent() {}
func (GoOffline) isIntent()                 {}
func (GoOnline) isIntent()                  {}
func (ShutdownIntent) isIntent()            {}

type connectedWorker struct {
	w      *worker.Worker
	cancel context.CancelFunc
	jobs   map[string]types.Job
}

// Supervisor is the top-level orchestrator.
type Supervisor struct {
	cfg   config.Config
	st    store.Storage
	id    identity.Identity
	pick  *picker.Picker
	proc  *processor.Processor
	feed  *feed.Engine
	seek  *seeker.Seeker
	nip46 *nip46.Responder
	log   *logx.Logger

	state State

	intents  chan Intent
	workerCh chan worker.Report
	exitCh   chan worker.Exit

	workers map[string]*connectedWorker

	connectionRequests map[string]types.RelayConnectionRequest
	authRequests       map[string]types.RelayAuthenticationRequest
	pendingNip46       []types.Nip46Request
	notifications      []types.NotifyMessage

	mePubKey string

	mu sync.Mutex // guards fields read by non-run goroutines (Post/FetchEvent helpers, status reads)
}

func New(cfg config.Config, st store.Storage, id identity.Identity) *Supervisor {
	s := &Supervisor{
		cfg:                cfg,
		st:                 st,
		id:                 id,
		log:                logx.New("supervisor", ""),
		intents:            make(chan Intent, 256),
		workerCh:           make(chan worker.Report, 256),
		exitCh:             make(chan worker.Exit, 64),
		workers:            make(map[string]*connectedWorker),
		connectionRequests: make(map[string]types.RelayConnectionRequest),
		authRequests:       make(map[string]types.RelayAuthenticationRequest),
	}
	s.pick = picker.New(st, cfg.MaxRelays, cfg.NumRelaysPerPerson)
	s.feed = feed.New(st, feed.Options{
		AllowReplies: true, AllowDMs: true, MePubKey: mustPubKey(id),
	})
	s.proc = processor.New(st, id, seekerAdapter{s}, s.feed, nil, time.Duration(cfg.FutureAllowanceSecs)*time.Second)
	s.seek = seeker.New(st, dispatcherAdapter{s})
	s.nip46 = nip46.New(identityAdapter{id}, nip46Dispatcher{s})
	if pk, err := id.PublicKey(); err == nil {
		s.mePubKey = pk
	}
	return s
}

func mustPubKey(id identity.Identity) string {
	pk, _ := id.PublicKey()
	return pk
}

// Submit enqueues an intent; it never blocks the caller for more than
// the channel's buffer allows.
func (s *Supervisor) Submit(i Intent) { s.intents <- i }

// Notifications returns, and clears, the accumulated status-queue
// messages (spec §7) — failed intents and relay NOTIFY frames alike.
// A caller (UI, cmd/nitrousd) is expected to poll this periodically.
func (s *Supervisor) Notifications() []types.NotifyMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notifications
	s.notifications = nil
	return out
}

// PendingNip46Requests returns the NIP-46 requests awaiting a user
// approval/decline answer.
func (s *Supervisor) PendingNip46Requests() []types.Nip46Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Nip46Request, len(s.pendingNip46))
	copy(out, s.pendingNip46)
	return out
}

// PendingAuthRequests returns the relay-authentication approvals
// currently awaiting a user answer, keyed by relay URL.
func (s *Supervisor) PendingAuthRequests() map[string]types.RelayAuthenticationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.RelayAuthenticationRequest, len(s.authRequests))
	for k, v := range s.authRequests {
		out[k] = v
	}
	return out
}

// PendingConnectionRequests returns the relay-connection approvals
// currently awaiting a user answer, keyed by relay URL.
func (s *Supervisor) PendingConnectionRequests() map[string]types.RelayConnectionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.RelayConnectionRequest, len(s.connectionRequests))
	for k, v := range s.connectionRequests {
		out[k] = v
	}
	return out
}

// Run processes intents, worker reports and worker exits until
// ShutdownIntent is received, draining outstanding workers with a
// bounded timeout.
func (s *Supervisor) Run(ctx context.Context) {
	s.setState(StateInitializing)
	followed, _ := s.st.GetPeopleInList(ctx, types.ListFollowed)
	_ = s.pick.Init(ctx, followed)
	s.setState(StateOnline)
	s.pickRelays(ctx)

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case i := <-s.intents:
			if _, shutdown := i.(ShutdownIntent); shutdown {
				s.shutdown(ctx)
				return
			}
			s.handleIntent(ctx, i)
		case r := <-s.workerCh:
			s.handleReport(ctx, r)
		case e := <-s.exitCh:
			s.handleExit(ctx, e)
		case <-ticker.C:
			s.seek.RunOnce(ctx)
		case <-ctx.Done():
			s.shutdown(ctx)
			return
		}
	}
}

func (s *Supervisor) shutdown(ctx context.Context) {
	s.setState(StateShuttingDown)
	for _, cw := range s.workers {
		cw.w.Inbox() <- worker.Shutdown{}
	}
	deadline := time.After(s.cfg.Timeouts.ShutdownDrain)
	remaining := len(s.workers)
	for remaining > 0 {
		select {
		case <-s.exitCh:
			remaining--
		case <-deadline:
			s.log.Printf("shutdown drain timed out with %d workers outstanding", remaining)
			return
		}
	}
}

// engage is the one place a worker is started or extended; every
// worker-start decision funnels through here.
func (s *Supervisor) engage(ctx context.Context, url string, jobs []types.Job) {
	relay, ok, _ := s.st.GetRelay(ctx, url)
	if !ok {
		_ = s.st.ModifyRelay(ctx, url, func(*types.Relay) {})
		relay, _, _ = s.st.GetRelay(ctx, url)
	}

	if relay.AllowConnect == types.TriUnset && s.cfg.Policy.RequireConnectApproval {
		s.mu.Lock()
		req, exists := s.connectionRequests[url]
		if !exists {
			req = types.RelayConnectionRequest{URL: url}
		}
		req.Jobs = append(req.Jobs, jobs...)
		s.connectionRequests[url] = req
		s.mu.Unlock()
		return
	}

	if cw, connected := s.workers[url]; connected {
		s.appendJobs(cw, jobs)
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	w := worker.New(url, s.cfg, s.id, s.workerCh, s.exitCh)
	cw := &connectedWorker{w: w, cancel: cancel, jobs: make(map[string]types.Job)}
	s.workers[url] = cw
	s.appendJobs(cw, jobs)
	cw.w.Inbox() <- worker.SetRelayPolicy{AllowAuth: relay.AllowAuth}
	go w.Run(wctx)
}

// pushRelayPolicy re-sends the relay's current stored AllowAuth to its
// connected worker, if any. Called whenever AllowAuth changes (an
// approval/decline intent) so an in-flight auth-required wait can
// resolve without waiting for a reconnect.
func (s *Supervisor) pushRelayPolicy(ctx context.Context, url string) {
	cw, connected := s.workers[url]
	if !connected {
		return
	}
	relay, ok, _ := s.st.GetRelay(ctx, url)
	if !ok {
		return
	}
	cw.w.Inbox() <- worker.SetRelayPolicy{AllowAuth: relay.AllowAuth}
}

func (s *Supervisor) appendJobs(cw *connectedWorker, jobs []types.Job) {
	var toSend []types.Job
	for _, j := range jobs {
		if !j.Persistent {
			for existingID, existing := range cw.jobs {
				if existing.Reason == j.Reason {
					delete(cw.jobs, existingID)
				}
			}
		}
		cw.jobs[j.ID] = j
		toSend = append(toSend, j)
	}
	if len(toSend) > 0 {
		cw.w.Inbox() <- worker.SetJobs{Jobs: toSend}
	}
}

// pickRelays runs the Picker's GC then repeatedly asks for the next
// assignment until it signals exhausted (pick_relays).
func (s *Supervisor) pickRelays(ctx context.Context) {
	followed, _ := s.st.GetPeopleInList(ctx, types.ListFollowed)
	set := make(map[string]struct{}, len(followed))
	for _, pk := range followed {
		set[pk] = struct{}{}
	}
	s.pick.GC(set)

	for {
		outcome, assignment := s.pick.Pick()
		if outcome != picker.OutcomeAssignment {
			return
		}
		pubkeys := make([]string, 0, len(assignment.PubKeys))
		for pk := range assignment.PubKeys {
			pubkeys = append(pubkeys, pk)
		}
		job := types.Job{
			ID:         assignment.URL + ":general_feed",
			Reason:     types.ReasonFollow,
			Persistent: true,
			Handle:     types.HandleGeneralFeed,
			PubKeys:    pubkeys,
			MePubKey:   s.mePubKey,
			FeedKinds:  feedKinds(),
		}
		s.engage(ctx, assignment.URL, []types.Job{job})
	}
}

func feedKinds() []int {
	out := make([]int, 0, len(processor.FeedRelatedKinds))
	for k := range processor.FeedRelatedKinds {
		out = append(out, k)
	}
	return out
}

// finishJob removes matching jobs from the relay's job list; if none
// remain (or only an augments job), shuts the worker down.
func (s *Supervisor) finishJob(url, jobID string) {
	cw, ok := s.workers[url]
	if !ok {
		return
	}
	delete(cw.jobs, jobID)
	cw.w.Inbox() <- worker.FinishJob{JobID: jobID}
	if onlyAugmentsLeft(cw.jobs) {
		cw.w.Inbox() <- worker.Shutdown{}
	}
}

func onlyAugmentsLeft(jobs map[string]types.Job) bool {
	for _, j := range jobs {
		if j.Handle != types.HandleTempAugments {
			return false
		}
	}
	return true
}

func (s *Supervisor) handleIntent(ctx context.Context, i Intent) {
	switch v := i.(type) {
	case AddRelay:
		_ = s.st.ModifyRelay(ctx, v.URL, func(r *types.Relay) {
			if r.Rank == 0 {
				r.Rank = 3
			}
		})
	case DropRelay:
		if cw, ok := s.workers[v.URL]; ok {
			cw.w.Inbox() <- worker.Shutdown{}
		}
		_ = s.st.ModifyRelay(ctx, v.URL, func(r *types.Relay) { r.Rank = 0 })
	case RankRelay:
		_ = s.st.ModifyRelay(ctx, v.URL, func(r *types.Relay) { r.Rank = v.Rank })
	case HideOrShowRelay:
		_ = s.st.ModifyRelay(ctx, v.URL, func(r *types.Relay) { r.Hidden = v.Hidden })
	case AuthApproved:
		_ = s.st.ModifyRelay(ctx, v.URL, func(r *types.Relay) {
			if v.Permanent {
				r.AllowAuth = types.TriTrue
			}
		})
		s.mu.Lock()
		delete(s.authRequests, v.URL)
		s.mu.Unlock()
		s.pushRelayPolicy(ctx, v.URL)
	case AuthDeclined:
		_ = s.st.ModifyRelay(ctx, v.URL, func(r *types.Relay) { r.AllowAuth = types.TriFalse })
		s.mu.Lock()
		delete(s.authRequests, v.URL)
		s.mu.Unlock()
		s.pushRelayPolicy(ctx, v.URL)
	case ConnectApproved:
		_ = s.st.ModifyRelay(ctx, v.URL, func(r *types.Relay) {
			if v.Permanent {
				r.AllowConnect = types.TriTrue
			}
		})
		s.mu.Lock()
		req, ok := s.connectionRequests[v.URL]
		if ok {
			delete(s.connectionRequests, v.URL)
		}
		s.mu.Unlock()
		if ok {
			s.engage(ctx, v.URL, req.Jobs)
		}
	case ConnectDeclined:
		_ = s.st.ModifyRelay(ctx, v.URL, func(r *types.Relay) { r.AllowConnect = types.TriFalse })
		s.mu.Lock()
		delete(s.connectionRequests, v.URL)
		s.mu.Unlock()
	case FollowPubkey:
		_ = s.st.ModifyPersonList(ctx, types.ListFollowed, func(l *types.PersonList) {
			if l.Members == nil {
				l.Members = map[string]types.ListEntry{}
			}
			l.Members[v.PubKey] = types.ListEntry{PubKey: v.PubKey, Public: true}
		})
		_ = s.st.ModifyPerson(ctx, v.PubKey, func(p *types.Person) { p.Followed = true })
		s.pickRelays(ctx)
	case Post:
		if err := s.publish(ctx, v); err != nil {
			s.notifyFailure("post failed: %v", err)
		}
	case Repost:
		if err := s.publishRepost(ctx, v.EventID); err != nil {
			s.notifyFailure("repost failed: %v", err)
		}
	case Like:
		if err := s.publishReaction(ctx, v.EventID); err != nil {
			s.notifyFailure("like failed: %v", err)
		}
	case DeletePost:
		if err := s.publishDeletion(ctx, v.EventID); err != nil {
			s.notifyFailure("delete failed: %v", err)
		}
	case SetActivePerson:
		// Drives UI state outside this core's scope; the core does not
		// record it. The person feed takes its pubkey from SetPersonFeed.
	case SetDmChannel:
		s.feed.SwitchFeed(ctx, feed.Kind{Tag: feed.KindDmChat, DmChannel: v.Channel})
	case SetPersonFeed:
		s.feed.SwitchFeed(ctx, feed.Kind{Tag: feed.KindPerson, PersonPubKey: v.PubKey})
	case SetThreadFeed:
		s.feed.SwitchFeed(ctx, feed.Kind{Tag: feed.KindThread, ThreadID: v.ID, ThreadReferencedBy: v.ReferencedBy, ThreadAuthor: v.Author})
	case LoadMoreCurrentFeed:
		s.feed.LoadMore(ctx)
	case FetchEvent:
		s.seek.SeekID(ctx, v.ID, v.Relays, false)
	case FetchEventAddr:
		// Address-pointer (a-tag) lookups resolve through the same
		// read-relay broadcast the Seeker already drives for e-tags;
		// a dedicated filter-by-addr job is issued directly here since
		// the Seeker's tracking keys are event ids, not addresses.
		// Addr is "<kind>:<pubkey>:<d-tag>".
		var filters []nostr.Filter
		if parts := strings.SplitN(v.Addr, ":", 3); len(parts) == 3 {
			if kind, err := strconv.Atoi(parts[0]); err == nil {
				filters = []nostr.Filter{{Kinds: []int{kind}, Authors: []string{parts[1]}, Tags: nostr.TagMap{"d": {parts[2]}}}}
			}
		}
		s.broadcastReadRelays(ctx, types.Job{
			ID:      "addr:" + v.Addr,
			Handle:  types.SubscriptionHandle(fmt.Sprintf("temp_event_addr_%s", v.Addr)),
			Filters: filters,
		})
	case Nip46ApprovalResponse:
		s.resolveNip46Approval(v)
	case MinionJobComplete:
		s.finishJob(v.URL, v.JobID)
	case ReengageMinion:
		s.pickRelays(ctx)
	case RefreshScoresAndPickRelays:
		followed, _ := s.st.GetPeopleInList(ctx, types.ListFollowed)
		_ = s.pick.Init(ctx, followed)
		s.pickRelays(ctx)
	case GoOffline:
		s.goOffline(ctx)
	case GoOnline:
		s.goOnline(ctx)
	}
}

// goOffline implements the Online/Initializing -> Offline transition
// (spec §4.1): the Picker is cleared and every connected worker is
// told to disconnect. Workers report back through the normal exit
// path; goOnline re-seeds the Picker and re-engages from scratch.
func (s *Supervisor) goOffline(ctx context.Context) {
	s.setState(StateOffline)
	s.pick.Clear()
	for _, cw := range s.workers {
		cw.w.Inbox() <- worker.Shutdown{}
	}
}

func (s *Supervisor) goOnline(ctx context.Context) {
	s.setState(StateOnline)
	followed, _ := s.st.GetPeopleInList(ctx, types.ListFollowed)
	_ = s.pick.Init(ctx, followed)
	s.pickRelays(ctx)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current lifecycle state. Safe to call
// concurrently with Run.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) resolveNip46Approval(v Nip46ApprovalResponse) {
	kind := nip46KindFor(v.Command)
	s.nip46.SetApproval(v.PeerPubKey, kind, v.Answer, v.Until)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, req := range s.pendingNip46 {
		if req.Account == v.PeerPubKey && req.Command == v.Command {
			s.pendingNip46 = append(s.pendingNip46[:i], s.pendingNip46[i+1:]...)
			break
		}
	}
}

func nip46KindFor(method string) nip46.GateKind {
	switch method {
	case "sign_event":
		return nip46.GateSign
	case "nip04_encrypt", "nip44_encrypt":
		return nip46.GateEncrypt
	default:
		return nip46.GateDecrypt
	}
}

func (s *Supervisor) publish(ctx context.Context, p Post) error {
	if !s.id.IsUnlocked() {
		return fmt.Errorf("identity locked")
	}
	pk, err := s.id.PublicKey()
	if err != nil {
		return err
	}
	tags := p.Tags
	if p.ReplyTo != "" {
		tags = append(tags, nostr.Tag{"e", p.ReplyTo, "", "reply"})
	}
	evt := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      processor.KindTextNote,
		Tags:      tags,
		Content:   p.Content,
	}
	return s.signAndBroadcast(ctx, evt)
}

func (s *Supervisor) publishRepost(ctx context.Context, eventID string) error {
	target, err := s.st.ReadEvent(ctx, eventID)
	if err != nil || target == nil {
		return fmt.Errorf("repost target not found locally")
	}
	pk, err := s.id.PublicKey()
	if err != nil {
		return err
	}
	raw, _ := nostrMarshal(target)
	evt := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      processor.KindRepost,
		Tags:      nostr.Tags{{"e", eventID}, {"p", target.PubKey}},
		Content:   raw,
	}
	return s.signAndBroadcast(ctx, evt)
}

func (s *Supervisor) publishReaction(ctx context.Context, eventID string) error {
	target, err := s.st.ReadEvent(ctx, eventID)
	if err != nil || target == nil {
		return fmt.Errorf("reaction target not found locally")
	}
	pk, err := s.id.PublicKey()
	if err != nil {
		return err
	}
	evt := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      processor.KindReaction,
		Tags:      nostr.Tags{{"e", eventID}, {"p", target.PubKey}},
		Content:   "+",
	}
	return s.signAndBroadcast(ctx, evt)
}

func (s *Supervisor) publishDeletion(ctx context.Context, eventID string) error {
	pk, err := s.id.PublicKey()
	if err != nil {
		return err
	}
	evt := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      processor.KindDeletion,
		Tags:      nostr.Tags{{"e", eventID}},
	}
	return s.signAndBroadcast(ctx, evt)
}

func (s *Supervisor) signAndBroadcast(ctx context.Context, evt *nostr.Event) error {
	if err := s.id.SignEvent(ctx, evt); err != nil {
		return err
	}
	s.broadcastToWriteRelays(ctx, evt)
	return nil
}

func (s *Supervisor) broadcastToWriteRelays(ctx context.Context, evt *nostr.Event) {
	pk, err := s.id.PublicKey()
	if err != nil {
		return
	}
	scores, err := s.st.GetBestRelays(ctx, pk, store.DirectionWrite)
	if err != nil {
		return
	}
	for _, rs := range scores {
		job := types.Job{ID: evt.ID + ":" + rs.URL, Reason: types.ReasonPostEvent, PostEvent: evt}
		s.engage(ctx, rs.URL, []types.Job{job})
	}
}

func (s *Supervisor) broadcastReadRelays(ctx context.Context, job types.Job) {
	relays, _ := s.st.AllRelays(ctx)
	for _, r := range relays {
		if r.Rank == 0 || r.Hidden || !types.UsageRead.In(r.Usage) {
			continue
		}
		jobCopy := job
		jobCopy.ID = job.ID + ":" + r.URL
		s.engage(ctx, r.URL, []types.Job{jobCopy})
	}
}

func (s *Supervisor) handleReport(ctx context.Context, r worker.Report) {
	switch v := r.(type) {
	case worker.InboundEvent:
		if err := s.proc.Process(ctx, processor.Input{Event: v.Event, SeenOnRelay: v.URL, Handle: v.Handle, Verify: true, ProcessEvenIfDup: v.ProcessEvenIfDup}); err != nil {
			s.log.Printf("process event %s: %v", v.Event.ID, err)
		}
		s.seek.Found(ctx, v.Event.ID)
		if v.Event.Kind == nip46.KindNostrConnect {
			s.nip46.HandleEvent(ctx, v.Event)
		}
	case worker.JobComplete:
		s.finishJob(v.URL, v.JobID)
	case worker.JobUpdated:
		if cw, ok := s.workers[v.URL]; ok {
			if j, ok := cw.jobs[v.OldJobID]; ok {
				delete(cw.jobs, v.OldJobID)
				j.ID = v.NewJobID
				cw.jobs[v.NewJobID] = j
			}
		}
	case worker.Notify:
		s.mu.Lock()
		s.notifications = append(s.notifications, types.NotifyMessage(v.Msg))
		s.mu.Unlock()
	case worker.NeedsAuthApproval:
		s.mu.Lock()
		s.authRequests[v.URL] = types.RelayAuthenticationRequest{PubKey: v.PubKey, URL: v.URL}
		s.mu.Unlock()
	case worker.Connected:
		_ = s.st.ModifyRelay(ctx, v.URL, func(relay *types.Relay) {
			relay.SuccessCount++
			relay.LastConnectedAt = time.Now()
		})
	case worker.SeenOnRelay:
		if err := s.st.AddEventSeenOnRelay(ctx, v.EventID, v.URL); err != nil {
			s.log.Printf("record seen-on %s/%s: %v", v.EventID, v.URL, err)
		}
	case worker.NIP11Fetched:
		doc := v.Doc
		_ = s.st.ModifyRelay(ctx, v.URL, func(relay *types.Relay) { relay.NIP11 = &doc })
	}
}

// notifyFailure appends a formatted status-queue message for a failed
// user intent (spec §7: "user intents that fail produce a status-queue
// message").
func (s *Supervisor) notifyFailure(format string, args ...any) {
	s.mu.Lock()
	s.notifications = append(s.notifications, types.NotifyMessage(fmt.Sprintf(format, args...)))
	s.mu.Unlock()
}

// handleExit removes the worker from the connected set, converts the
// exit reason into an exclusion duration, credits its assigned
// pubkeys back to the Picker (for every exit reason, via
// RelayDisconnected), and schedules a ReengageMinion unless the
// exclusion is infinite (worker-exit handler). The worker's unfinished
// jobs are dropped with it; they are not handed to the Picker or to
// any other worker.
func (s *Supervisor) handleExit(ctx context.Context, e worker.Exit) {
	if cw, ok := s.workers[e.URL]; ok {
		delete(s.workers, e.URL)
		cw.cancel()
	}

	if e.Reason.IsFailure() {
		_ = s.st.ModifyRelay(ctx, e.URL, func(r *types.Relay) { r.FailureCount++ })
	}

	duration := worker.ExclusionFor(e.Reason)
	if duration == worker.InfiniteExclusion {
		s.pick.RelayDisconnected(e.URL, -1)
		return
	}
	s.pick.RelayDisconnected(e.URL, int64(duration/time.Second))
	if duration > 0 {
		s.log.Printf("%s penalty-boxed until %s (%v)", e.URL, humanize.Time(time.Now().Add(duration)), e.Reason)
		timer := time.AfterFunc(duration, func() {
			select {
			case s.intents <- ReengageMinion{URL: e.URL}:
			default:
			}
		})
		_ = timer
	} else {
		s.pickRelays(ctx)
	}
}

func nostrMarshal(e *nostr.Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// seekerAdapter satisfies processor.Seeker using the Supervisor's
// Seeker instance.
type seekerAdapter struct{ s *Supervisor }

func (a seekerAdapter) SeekID(ctx context.Context, id string, speculativeRelays []string, climb bool) {
	a.s.seek.SeekID(ctx, id, speculativeRelays, climb)
}

func (a seekerAdapter) SeekIDAndAuthor(ctx context.Context, id, author string, speculativeRelays []string, climb bool) {
	a.s.seek.SeekIDAndAuthor(ctx, id, author, speculativeRelays, climb)
}

// dispatcherAdapter satisfies seeker.Dispatcher.
type dispatcherAdapter struct{ s *Supervisor }

func (a dispatcherAdapter) FetchFromReadRelays(ctx context.Context, id string, speculativeRelays []string) {
	job := types.Job{ID: "fetch:" + id, Handle: types.SubscriptionHandle("temp_events_fetch_" + id), Filters: []nostr.Filter{{IDs: []string{id}}}}
	a.s.broadcastReadRelays(ctx, job)
	for _, url := range speculativeRelays {
		a.s.engage(ctx, url, []types.Job{job})
	}
}

func (a dispatcherAdapter) FetchFromRelays(ctx context.Context, id string, relays []string) {
	job := types.Job{ID: "fetch:" + id, Handle: types.SubscriptionHandle("temp_events_fetch_" + id), Filters: []nostr.Filter{{IDs: []string{id}}}}
	for _, url := range relays {
		a.s.engage(ctx, url, []types.Job{job})
	}
}

func (a dispatcherAdapter) DiscoverRelayList(ctx context.Context, pubkey string) {
	job := types.Job{
		ID:     "relaylist:" + pubkey,
		Handle: types.SubscriptionHandle("temp_events_relaylist_" + pubkey),
		Filters: []nostr.Filter{{Authors: []string{pubkey}, Kinds: []int{processor.KindRelayList, processor.KindContactList}}},
	}
	a.s.broadcastReadRelays(ctx, job)
	_ = a.s.st.ModifyPerson(ctx, pubkey, func(p *types.Person) { p.LastRelayListSought = time.Now() })
}

// identityAdapter narrows identity.Identity to nip46.Identity.
type identityAdapter struct{ id identity.Identity }

func (a identityAdapter) PublicKey() (string, error) { return a.id.PublicKey() }
func (a identityAdapter) SignEvent(ctx context.Context, e *nostr.Event) error {
	return a.id.SignEvent(ctx, e)
}
func (a identityAdapter) EncryptNip04(ctx context.Context, peerPubkey, plaintext string) (string, error) {
	return a.id.EncryptNip04(ctx, peerPubkey, plaintext)
}
func (a identityAdapter) DecryptNip04(ctx context.Context, peerPubkey, ciphertext string) (string, error) {
	return a.id.DecryptNip04(ctx, peerPubkey, ciphertext)
}
func (a identityAdapter) EncryptNip44(ctx context.Context, peerPubkey, plaintext string) (string, error) {
	return a.id.EncryptNip44(ctx, peerPubkey, plaintext)
}
func (a identityAdapter) DecryptNip44(ctx context.Context, peerPubkey, ciphertext string) (string, error) {
	return a.id.DecryptNip44(ctx, peerPubkey, ciphertext)
}
func (a identityAdapter) Nip44ConversationKeyHex(ctx context.Context, peerPubkey string) (string, error) {
	local, ok := a.id.(interface {
		Nip44ConversationKeyHex(ctx context.Context, peerPubkey string) (string, error)
	})
	if !ok {
		return "", fmt.Errorf("identity does not expose nip44 conversation key")
	}
	return local.Nip44ConversationKeyHex(ctx, peerPubkey)
}

// nip46Dispatcher satisfies nip46.Dispatcher.
type nip46Dispatcher struct{ s *Supervisor }

func (a nip46Dispatcher) PostEvent(ctx context.Context, replyRelays []string, e *nostr.Event) {
	if len(replyRelays) == 0 {
		a.s.broadcastToWriteRelays(ctx, e)
		return
	}
	for _, url := range replyRelays {
		a.s.engage(ctx, url, []types.Job{{ID: e.ID + ":" + url, Reason: types.ReasonPostEvent, PostEvent: e}})
	}
}

func (a nip46Dispatcher) RequestApproval(ctx context.Context, req types.Nip46Request) {
	a.s.mu.Lock()
	a.s.pendingNip46 = append(a.s.pendingNip46, req)
	a.s.mu.Unlock()
}
