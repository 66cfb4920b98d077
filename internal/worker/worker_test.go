package worker

import (
	"context"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/corvidae/nostrcore/internal/config"
	"github.com/corvidae/nostrcore/internal/identity"
	"github.com/corvidae/nostrcore/internal/types"
)

// fakeConn is a no-op wsConn double: it records every frame written
// and otherwise acts as an idle connection, so tests can exercise the
// worker's state machine without a real relay socket.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p)
	return nil
}

func (f *fakeConn) Close(websocket.StatusCode, string) error { return nil }
func (f *fakeConn) CloseNow() error                          { return nil }
func (f *fakeConn) Ping(context.Context) error                 { return nil }

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	id, err := identity.NewLocal(sk)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	reportCh := make(chan Report, 32)
	exitCh := make(chan Exit, 1)
	w := New("wss://relay.example", config.Config{}, id, reportCh, exitCh)
	w.conn = &fakeConn{}
	return w
}

func TestComputeSince(t *testing.T) {
	now := nostr.Now()
	cases := []struct {
		name     string
		lastEOSE nostr.Timestamp
		overlap  int
		chunk    int
		want     func(got nostr.Timestamp) bool
	}{
		{
			name:     "floors at 2020 epoch when everything else is earlier",
			lastEOSE: 0,
			overlap:  120,
			chunk:    60 * 60 * 24 * 365 * 50, // 50 years: now-chunk predates 2020
			want:     func(got nostr.Timestamp) bool { return got == epoch2020 },
		},
		{
			name:     "uses now-chunk when it beats last EOSE minus overlap",
			lastEOSE: now,
			overlap:  120,
			chunk:    60,
			want:     func(got nostr.Timestamp) bool { return got == now-60 },
		},
		{
			name:     "uses last EOSE minus overlap when it is the larger bound",
			lastEOSE: now - 10,
			overlap:  5,
			chunk:    60 * 60 * 24 * 365,
			want:     func(got nostr.Timestamp) bool { return got == now-15 },
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := computeSince(c.lastEOSE, c.overlap, c.chunk)
			if !c.want(got) {
				t.Errorf("computeSince(%d, %d, %d) = %d, unexpected", c.lastEOSE, c.overlap, c.chunk, got)
			}
		})
	}
}

func TestBuildGeneralFeedFiltersAttachesStaleRelayListFilter(t *testing.T) {
	w := newTestWorker(t)
	job := types.Job{
		Handle:                types.HandleGeneralFeed,
		PubKeys:               []string{"pka", "pkb"},
		FeedKinds:             []int{1, 6},
		StaleRelayListAuthors: []string{"pka"},
		ChunkSecs:             3600,
	}
	filters := w.buildFilters(job)
	if len(filters) != 2 {
		t.Fatalf("len(filters) = %d, want 2", len(filters))
	}
	if len(filters[0].Authors) != 2 {
		t.Errorf("main filter authors = %v, want both pubkeys", filters[0].Authors)
	}
	if len(filters[1].Authors) != 1 || filters[1].Authors[0] != "pka" {
		t.Errorf("stale filter authors = %v, want [pka]", filters[1].Authors)
	}
	wantKinds := []int{kindRelayList, kindContactList}
	if len(filters[1].Kinds) != 2 || filters[1].Kinds[0] != wantKinds[0] || filters[1].Kinds[1] != wantKinds[1] {
		t.Errorf("stale filter kinds = %v, want %v", filters[1].Kinds, wantKinds)
	}
}

func TestBuildGeneralFeedFiltersNoStaleAuthors(t *testing.T) {
	w := newTestWorker(t)
	job := types.Job{
		Handle:    types.HandleGeneralFeed,
		PubKeys:   []string{"pka"},
		FeedKinds: []int{1},
	}
	filters := w.buildFilters(job)
	if len(filters) != 1 {
		t.Fatalf("len(filters) = %d, want 1 (no relay-list filter when nothing is stale)", len(filters))
	}
}

func TestBuildMentionsFeedFiltersSplitsGiftWrap(t *testing.T) {
	w := newTestWorker(t)
	job := types.Job{
		Handle:           types.HandleMentionsFeed,
		MePubKey:         "me",
		FeedKinds:        []int{1, 6},
		RepliesChunkSecs: 1000,
	}
	filters := w.buildFilters(job)
	if len(filters) != 2 {
		t.Fatalf("len(filters) = %d, want 2 (main + giftwrap)", len(filters))
	}
	main, giftWrap := filters[0], filters[1]
	if len(giftWrap.Kinds) != 1 || giftWrap.Kinds[0] != kindGiftWrap {
		t.Errorf("giftwrap filter kinds = %v, want [%d]", giftWrap.Kinds, kindGiftWrap)
	}
	if giftWrap.Tags["p"][0] != "me" || main.Tags["p"][0] != "me" {
		t.Errorf("both filters must tag-p the local pubkey")
	}
	if *giftWrap.Since >= *main.Since {
		t.Errorf("giftwrap since (%d) should be 7 days earlier than main since (%d)", *giftWrap.Since, *main.Since)
	}
}

func TestExclusionForMatchesTable(t *testing.T) {
	cases := []struct {
		reason ExitReason
		want   interface{}
	}{
		{ExitGotShutdownMessage, 0},
		{ExitLostOverlord, 0},
		{ExitSubscriptionsHaveCompleted, 0},
		{ExitGotDisconnected, 120},
		{ExitGotWSClose, 120},
		{ExitUnknown, 120},
		{ExitHTTPOther4xx5xx, 120},
		{ExitConnectionClosedClean, 30},
		{ExitResetWithoutClosingHandshake, 60},
		{ExitHTTPPermanent, InfiniteExclusion},
		{ExitRelayRejectedUs, InfiniteExclusion},
	}
	for _, c := range cases {
		got := ExclusionFor(c.reason)
		switch want := c.want.(type) {
		case int:
			if got.Seconds() != float64(want) {
				t.Errorf("ExclusionFor(%v) = %v, want %ds", c.reason, got, want)
			}
		default:
			if got != InfiniteExclusion {
				t.Errorf("ExclusionFor(%v) = %v, want InfiniteExclusion", c.reason, got)
			}
		}
	}
}

func TestHTTPExitReasonClassification(t *testing.T) {
	cases := []struct {
		status int
		want   ExitReason
	}{
		{301, ExitHTTPPermanent},
		{401, ExitHTTPPermanent},
		{404, ExitHTTPPermanent},
		{451, ExitHTTPPermanent},
		{502, ExitHTTPPermanent},
		{500, ExitHTTPOther4xx5xx},
		{429, ExitHTTPOther4xx5xx},
		{200, ExitUnknown},
	}
	for _, c := range cases {
		if got := HTTPExitReason(c.status); got != c.want {
			t.Errorf("HTTPExitReason(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestClosedPrefixParsesMachineReadablePrefix(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"auth-required: please go away", "auth-required"},
		{"duplicate: already have this event", "duplicate"},
		{"no colon here", "no colon here"},
		{"rate-limited: slow down", "rate-limited"},
	}
	for _, c := range cases {
		if got := closedPrefix(c.msg); got != c.want {
			t.Errorf("closedPrefix(%q) = %q, want %q", c.msg, got, c.want)
		}
	}
}

func TestHandleClosedAuthRequiredParksSubscriptionForRetry(t *testing.T) {
	w := newTestWorker(t)
	w.authChallenge = "chal"
	w.subs[types.HandleGeneralFeed] = &types.Subscription{
		Handle: types.HandleGeneralFeed,
		WireID: "wire-1",
		JobID:  "job-1",
	}
	w.wireIdx["wire-1"] = types.HandleGeneralFeed
	w.jobs["job-1"] = types.Job{ID: "job-1", Handle: types.HandleGeneralFeed}

	frame := []byte(`["CLOSED", "wire-1", "auth-required: please-AUTH"]`)
	w.handleClosed(context.Background(), frame)

	if _, stillThere := w.subs[types.HandleGeneralFeed]; !stillThere {
		t.Fatalf("auth-required CLOSED must not remove the subscription from the map")
	}
	found := false
	for _, h := range w.waitingForAuth {
		if h == types.HandleGeneralFeed {
			found = true
		}
	}
	if !found {
		t.Errorf("general_feed should be parked in waitingForAuth, got %v", w.waitingForAuth)
	}
	if w.authState != AuthWaiting {
		t.Errorf("authState = %v, want AuthWaiting (should have started AUTH)", w.authState)
	}
}

func TestHandleClosedInvalidFailsHandle(t *testing.T) {
	w := newTestWorker(t)
	w.subs[types.HandleGeneralFeed] = &types.Subscription{
		Handle: types.HandleGeneralFeed,
		WireID: "wire-1",
		JobID:  "job-1",
	}
	w.wireIdx["wire-1"] = types.HandleGeneralFeed
	w.jobs["job-1"] = types.Job{ID: "job-1", Handle: types.HandleGeneralFeed}

	frame := []byte(`["CLOSED", "wire-1", "invalid: bad filter"]`)
	w.handleClosed(context.Background(), frame)

	if _, stillThere := w.subs[types.HandleGeneralFeed]; stillThere {
		t.Errorf("invalid CLOSED must remove the failed handle from the subscription map")
	}
	if _, stillThere := w.jobs["job-1"]; stillThere {
		t.Errorf("invalid CLOSED must drop the job for the failed handle")
	}

	select {
	case r := <-w.reportCh:
		if jc, ok := r.(JobComplete); !ok || jc.JobID != "job-1" {
			t.Errorf("report = %#v, want JobComplete{JobID: job-1}", r)
		}
	default:
		t.Errorf("expected a JobComplete report for the failed handle")
	}
}

func TestAdvanceAuthSuccessRetriesParkedPostAndFlushesWaitingSubs(t *testing.T) {
	w := newTestWorker(t)
	w.authState = AuthWaiting
	w.authWireID = "auth-1"

	w.subs[types.HandleGeneralFeed] = &types.Subscription{
		Handle:  types.HandleGeneralFeed,
		WireID:  "wire-1",
		Filters: []nostr.Filter{{Kinds: []int{1}}},
		JobID:   "job-1",
	}
	w.waitingForAuth = []types.SubscriptionHandle{types.HandleGeneralFeed}

	evt := &nostr.Event{ID: "evt-1", Kind: 1}
	w.eventToJob["evt-1"] = "post-job-1"
	w.repostAfterAuth["evt-1"] = evt
	w.postingJobs["post-job-1"] = &postingJob{jobID: "post-job-1", pending: map[string]struct{}{"evt-1": {}}}

	w.advanceAuth(context.Background(), true)

	if w.authState != AuthAuthenticated {
		t.Errorf("authState = %v, want AuthAuthenticated", w.authState)
	}
	if len(w.waitingForAuth) != 0 {
		t.Errorf("waitingForAuth should be drained, got %v", w.waitingForAuth)
	}
	if len(w.repostAfterAuth) != 0 {
		t.Errorf("repostAfterAuth should be drained, got %v", w.repostAfterAuth)
	}
	if _, stillPosting := w.postingJobs["post-job-1"]; !stillPosting {
		t.Errorf("retried post should still be tracked as an outstanding posting job")
	}
}

func TestAdvanceAuthFailureFailsParkedSubscriptions(t *testing.T) {
	w := newTestWorker(t)
	w.authState = AuthWaiting
	w.authWireID = "auth-1"
	w.subs[types.HandleGeneralFeed] = &types.Subscription{
		Handle: types.HandleGeneralFeed,
		WireID: "wire-1",
		JobID:  "job-1",
	}
	w.waitingForAuth = []types.SubscriptionHandle{types.HandleGeneralFeed}

	w.advanceAuth(context.Background(), false)

	if w.authState != AuthFailed {
		t.Errorf("authState = %v, want AuthFailed", w.authState)
	}
	if _, stillThere := w.subs[types.HandleGeneralFeed]; stillThere {
		t.Errorf("a failed AUTH must fail every subscription parked waiting on it")
	}
}

func TestFinishJobByHandleUnsubscribesAndDropsJob(t *testing.T) {
	w := newTestWorker(t)
	w.subs[types.HandleThreadFeed] = &types.Subscription{
		Handle: types.HandleThreadFeed,
		WireID: "wire-9",
		JobID:  "job-9",
	}
	w.wireIdx["wire-9"] = types.HandleThreadFeed
	w.jobs["job-9"] = types.Job{ID: "job-9", Handle: types.HandleThreadFeed}

	w.finishJob(context.Background(), "", types.HandleThreadFeed)

	if _, stillThere := w.subs[types.HandleThreadFeed]; stillThere {
		t.Errorf("finishJob(handle) should unsubscribe the handle")
	}
	if _, stillThere := w.jobs["job-9"]; stillThere {
		t.Errorf("finishJob(handle) should drop the job")
	}
}

func TestIsTempRecognizesTempPrefix(t *testing.T) {
	cases := map[types.SubscriptionHandle]bool{
		types.HandleGeneralFeed:  false,
		types.HandleTempAugments: true,
		"temp_events_3":          true,
		"temp_event_addr_1":      true,
	}
	for handle, want := range cases {
		if got := handle.IsTemp(); got != want {
			t.Errorf("%q.IsTemp() = %v, want %v", handle, got, want)
		}
	}
}
