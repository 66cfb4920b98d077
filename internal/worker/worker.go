// Package worker implements the per-relay protocol engine. One Worker
// owns exactly one WebSocket connection to one
// relay, multiplexes subscriptions over it, drives the AUTH state
// machine, and reports job completion and inbound events back to the
// Supervisor through plain channels — never through a shared pointer,
// per the "Workers never hold a reference to the Supervisor's internal
// set" design note.
//
// The transport is github.com/coder/websocket, dialed directly rather
// than going through go-nostr's own Pool/Relay: the AUTH/CLOSED/
// penalty-box state machine here doesn't fit inside that
// higher-level abstraction, so the Worker speaks the wire protocol
// itself using nostr.Event/nostr.Filter for the payloads.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/corvidae/nostrcore/internal/config"
	"github.com/corvidae/nostrcore/internal/identity"
	"github.com/corvidae/nostrcore/internal/logx"
	"github.com/corvidae/nostrcore/internal/types"
)

// wsConn is the subset of *websocket.Conn the worker drives. Declaring
// it narrows what a test double needs to implement; every production
// Worker still gets a real *websocket.Conn from websocket.Dial.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
	Ping(ctx context.Context) error
}

// soughtEntry tracks one event id a worker has been asked to fetch via
// a temp_events_N subscription (periodic task).
type soughtEntry struct {
	jobIDs []string
	asked  bool
}

// postingJob tracks the outstanding ids of one publish job; when the
// set empties the job is complete.
type postingJob struct {
	jobID   string
	pending map[string]struct{}
}

// Worker is one relay's connection and subscription state.
type Worker struct {
	URL string

	cfg      config.Config
	id       identity.Identity
	log      *logx.Logger
	reportCh chan<- Report
	exitCh   chan<- Exit
	cmdCh    chan Command

	conn wsConn

	subs    map[types.SubscriptionHandle]*types.Subscription
	wireIdx map[string]types.SubscriptionHandle
	nextSeq uint64

	authState     AuthState
	authChallenge string
	authWireID    string
	waitingForAuth []types.SubscriptionHandle
	repostAfterAuth map[string]*nostr.Event
	allowAuth       types.TriBool

	soughtEvents  map[string]*soughtEntry
	postingJobs   map[string]*postingJob // job id -> job
	eventToJob    map[string]string
	pendingEvents map[string]*nostr.Event

	rateLimited map[types.SubscriptionHandle]struct{}

	jobs map[string]types.Job

	lastGeneralEOSE  nostr.Timestamp
	generalFeedStart nostr.Timestamp

	tempSeq int
}

// New constructs a worker for url. It does not connect; call Run to
// dial and enter the multiplexed loop.
func New(url string, cfg config.Config, id identity.Identity, reportCh chan<- Report, exitCh chan<- Exit) *Worker {
	return &Worker{
		URL:             url,
		cfg:             cfg,
		id:              id,
		log:             logx.New("worker", url),
		reportCh:        reportCh,
		exitCh:          exitCh,
		cmdCh:           make(chan Command, 32),
		subs:            make(map[types.SubscriptionHandle]*types.Subscription),
		wireIdx:         make(map[string]types.SubscriptionHandle),
		repostAfterAuth: make(map[string]*nostr.Event),
		soughtEvents:    make(map[string]*soughtEntry),
		postingJobs:     make(map[string]*postingJob),
		eventToJob:      make(map[string]string),
		pendingEvents:   make(map[string]*nostr.Event),
		rateLimited:     make(map[types.SubscriptionHandle]struct{}),
		jobs:            make(map[string]types.Job),
	}
}

// Inbox returns the channel the Supervisor posts Commands into.
func (w *Worker) Inbox() chan<- Command { return w.cmdCh }

// Run dials the relay, fetches its NIP-11 document best-effort, and
// runs the multiplexed loop until shutdown or a fatal transport error.
// It sends one Exit to exitCh before returning, unless ctx is done
// before the Exit is taken, in which case none is sent.
func (w *Worker) Run(ctx context.Context) {
	reason, err := w.run(ctx)
	select {
	case w.exitCh <- Exit{URL: w.URL, Reason: reason, Err: err}:
	case <-ctx.Done():
	}
}

func (w *Worker) run(ctx context.Context) (ExitReason, error) {
	var g errgroup.Group
	g.Go(func() error { w.fetchNIP11(ctx); return nil })

	connCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeouts.Connect)
	conn, resp, err := websocket.Dial(connCtx, w.URL, &websocket.DialOptions{})
	cancel()
	_ = g.Wait()
	if err != nil {
		if resp != nil {
			return HTTPExitReason(resp.StatusCode), err
		}
		return ExitGotDisconnected, err
	}
	w.conn = conn
	defer conn.CloseNow()
	w.report(Connected{URL: w.URL})

	frameCh := make(chan []byte, 64)
	readErrCh := make(chan error, 1)
	readCtx, readCancel := context.WithCancel(ctx)
	defer readCancel()
	go w.readLoop(readCtx, frameCh, readErrCh)

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	taskTicker := time.NewTicker(w.cfg.Timeouts.WorkerTask)
	defer taskTicker.Stop()

	for {
		// biased: check ping and periodic-task timers before
		// anything else, so a chatty relay can't starve them.
		select {
		case <-pingTicker.C:
			w.ping(ctx)
			continue
		default:
		}
		select {
		case <-taskTicker.C:
			w.periodicTask(ctx)
			continue
		default:
		}

		select {
		case <-pingTicker.C:
			w.ping(ctx)
		case <-taskTicker.C:
			w.periodicTask(ctx)
		case cmd := <-w.cmdCh:
			if reason, done := w.handleCommand(ctx, cmd); done {
				return reason, nil
			}
		case frame, ok := <-frameCh:
			if !ok {
				err := <-readErrCh
				return classifyReadErr(err), err
			}
			w.handleFrame(ctx, frame)
			if len(w.jobs) == 0 {
				return ExitSubscriptionsHaveCompleted, nil
			}
		case <-ctx.Done():
			return ExitLostOverlord, ctx.Err()
		}
	}
}

func classifyReadErr(err error) ExitReason {
	if err == nil {
		return ExitGotWSClose
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		return ExitConnectionClosedClean
	case -1: // not a clean close frame at all
		return ExitGotDisconnected
	default:
		return ExitGotWSClose
	}
}

func (w *Worker) readLoop(ctx context.Context, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) ping(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = w.conn.Ping(pingCtx)
}

func (w *Worker) fetchNIP11(ctx context.Context) {
	timeout := w.cfg.Timeouts.NIP11
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	info, err := nip11.Fetch(reqCtx, w.URL)
	if err != nil {
		w.log.Printf("nip11 fetch failed: %v", err)
		return
	}
	doc := types.NIP11Document{
		Name:          info.Name,
		Description:   info.Description,
		Software:      info.Software,
		Version:       info.Version,
		SupportedNIPs: info.SupportedNIPs,
	}
	w.report(NIP11Fetched{URL: w.URL, Doc: doc})
	w.log.Printf("nip11: name=%q software=%q", doc.Name, doc.Software)
}

func (w *Worker) handleCommand(ctx context.Context, cmd Command) (ExitReason, bool) {
	switch c := cmd.(type) {
	case SetJobs:
		for _, j := range c.Jobs {
			w.applyJob(ctx, j)
		}
		return 0, false
	case FinishJob:
		w.finishJob(ctx, c.JobID, c.Handle)
		if len(w.jobs) == 0 {
			return ExitSubscriptionsHaveCompleted, true
		}
		return 0, false
	case Shutdown:
		_ = w.conn.Close(websocket.StatusNormalClosure, "shutdown")
		return ExitGotShutdownMessage, true
	case SetRelayPolicy:
		w.allowAuth = c.AllowAuth
		if w.authState == AuthFakeWaiting {
			w.authState = AuthNone
			w.maybeAuthenticate(ctx)
		}
		return 0, false
	default:
		return 0, false
	}
}

func (w *Worker) applyJob(ctx context.Context, j types.Job) {
	w.jobs[j.ID] = j
	if j.PostEvent != nil {
		w.postEvent(ctx, j)
		return
	}
	w.subscribe(ctx, j)
}

func (w *Worker) finishJob(ctx context.Context, jobID string, handle types.SubscriptionHandle) {
	if jobID != "" {
		delete(w.jobs, jobID)
	}
	if handle != "" {
		if sub, ok := w.subs[handle]; ok {
			w.unsubscribe(ctx, handle)
			delete(w.jobs, sub.JobID)
		}
	}
}

func newWireID() string { return uuid.NewString() }

func (w *Worker) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// quickType returns the first element of a JSON array frame without a
// full unmarshal, the way the pack's relay-side code (gjson appears
// throughout the retrieval set) inspects frame types on the hot path.
func quickType(frame []byte) string {
	return gjson.GetBytes(frame, "0").String()
}

func (w *Worker) handleFrame(ctx context.Context, frame []byte) {
	switch quickType(frame) {
	case "EVENT":
		w.handleEvent(ctx, frame)
	case "EOSE":
		w.handleEOSE(ctx, frame)
	case "OK":
		w.handleOK(ctx, frame)
	case "NOTICE":
		w.handleNotice(frame)
	case "NOTIFY":
		w.handleNotify(frame)
	case "AUTH":
		w.handleAuthChallenge(ctx, frame)
	case "CLOSED":
		w.handleClosed(ctx, frame)
	case "COUNT":
		w.log.Printf("COUNT frame received; unsupported: %s", string(frame))
	default:
		w.log.Printf("unrecognized frame, skipping: %s", string(frame))
	}
}

func (w *Worker) handleEvent(ctx context.Context, frame []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil || len(raw) < 3 {
		w.log.Printf("malformed EVENT frame: %v", err)
		return
	}
	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil {
		w.log.Printf("malformed EVENT subid: %v", err)
		return
	}
	var evt nostr.Event
	if err := json.Unmarshal(raw[2], &evt); err != nil {
		w.log.Printf("malformed EVENT payload: %v", err)
		return
	}

	handle, ok := w.wireIdx[subID]
	if !ok {
		w.log.Printf("EVENT for unknown subid %s", subID)
		return
	}
	sub := w.subs[handle]

	if !handle.IsTemp() && sub != nil {
		matches := false
		for _, f := range sub.Filters {
			if f.Matches(&evt) {
				matches = true
				break
			}
		}
		if !matches {
			return
		}
	}

	if handle == types.HandleGeneralFeed && sub != nil && sub.EOSESeen {
		if evt.CreatedAt > w.lastGeneralEOSE {
			w.lastGeneralEOSE = evt.CreatedAt
		}
	}

	if entry, ok := w.soughtEvents[evt.ID]; ok {
		delete(w.soughtEvents, evt.ID)
		for _, jobID := range entry.jobIDs {
			w.report(JobComplete{URL: w.URL, JobID: jobID})
		}
	}

	w.report(InboundEvent{URL: w.URL, Event: &evt, Handle: handle})
}

func (w *Worker) handleEOSE(ctx context.Context, frame []byte) {
	var arr [2]json.RawMessage
	if err := json.Unmarshal(frame, &arr); err != nil {
		return
	}
	var subID string
	_ = json.Unmarshal(arr[1], &subID)
	handle, ok := w.wireIdx[subID]
	if !ok {
		return
	}
	if handle.IsTemp() {
		w.unsubscribe(ctx, handle)
		return
	}
	if sub, ok := w.subs[handle]; ok {
		sub.EOSESeen = true
	}
	if handle == types.HandleGeneralFeed {
		w.lastGeneralEOSE = nostr.Now()
	}
}

func (w *Worker) handleOK(ctx context.Context, frame []byte) {
	var arr []json.RawMessage
	if err := json.Unmarshal(frame, &arr); err != nil || len(arr) < 4 {
		return
	}
	var id string
	var ok bool
	var msg string
	_ = json.Unmarshal(arr[1], &id)
	_ = json.Unmarshal(arr[2], &ok)
	_ = json.Unmarshal(arr[3], &msg)

	if w.authState == AuthWaiting && id == w.authWireID {
		w.advanceAuth(ctx, ok)
		return
	}

	jobID, tracked := w.eventToJob[id]
	if !tracked {
		return
	}
	pj := w.postingJobs[jobID]
	if ok {
		w.report(SeenOnRelay{URL: w.URL, EventID: id})
	} else if hasPrefix(msg, "auth-required:") {
		if evt, ok := w.pendingEvents[id]; ok {
			w.repostAfterAuth[id] = evt
		}
		w.maybeAuthenticate(ctx)
		return
	} else {
		w.log.Printf("post %s rejected by relay: %s", id, msg)
	}

	if pj != nil {
		delete(pj.pending, id)
		delete(w.eventToJob, id)
		delete(w.pendingEvents, id)
		if len(pj.pending) == 0 {
			w.report(JobComplete{URL: w.URL, JobID: pj.jobID})
			delete(w.postingJobs, jobID)
			delete(w.jobs, jobID)
		}
	}
}

func (w *Worker) handleNotice(frame []byte) {
	var arr [2]string
	if err := json.Unmarshal(frame, &arr); err != nil {
		return
	}
	w.log.Printf("NOTICE: %s", arr[1])
}

func (w *Worker) handleNotify(frame []byte) {
	var arr [2]string
	if err := json.Unmarshal(frame, &arr); err != nil {
		return
	}
	w.report(Notify{URL: w.URL, Msg: arr[1]})
}

// CLOSED-message machine-readable prefix table.
func (w *Worker) handleClosed(ctx context.Context, frame []byte) {
	var arr []json.RawMessage
	if err := json.Unmarshal(frame, &arr); err != nil || len(arr) < 3 {
		return
	}
	var subID, msg string
	_ = json.Unmarshal(arr[1], &subID)
	_ = json.Unmarshal(arr[2], &msg)

	handle, ok := w.wireIdx[subID]
	if !ok {
		return
	}

	prefix := closedPrefix(msg)
	switch prefix {
	case "duplicate":
		w.log.Printf("CLOSED duplicate for %s", handle)
	case "pow":
		w.log.Printf("CLOSED pow for %s, failing", handle)
		w.failHandle(handle)
	case "rate-limited":
		w.rateLimited[handle] = struct{}{}
	case "auth-required":
		relay := w.relayAllowsAuth()
		if relay == types.TriFalse {
			w.failHandle(handle)
			return
		}
		w.maybeAuthenticate(ctx)
		w.parkWaitingForAuth(handle)
	default: // invalid, error, restricted, unknown
		w.failHandle(handle)
	}
}

func closedPrefix(msg string) string {
	if i := indexColon(msg); i >= 0 {
		return msg[:i]
	}
	return msg
}

func indexColon(s string) int {
	for i, c := range s {
		if c == ':' {
			return i
		}
	}
	return -1
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

// relayAllowsAuth reflects the relay's stored allow_auth value, pushed
// in by the Supervisor via SetRelayPolicy on engage and on every
// approval/decline intent. Defaults to TriUnset until that first push
// arrives.
func (w *Worker) relayAllowsAuth() types.TriBool { return w.allowAuth }

func (w *Worker) failHandle(handle types.SubscriptionHandle) {
	sub, ok := w.subs[handle]
	if !ok {
		return
	}
	delete(w.wireIdx, sub.WireID)
	delete(w.subs, handle)
	w.report(JobComplete{URL: w.URL, JobID: sub.JobID})
	delete(w.jobs, sub.JobID)
}

func (w *Worker) parkWaitingForAuth(handle types.SubscriptionHandle) {
	for _, h := range w.waitingForAuth {
		if h == handle {
			return
		}
	}
	w.waitingForAuth = append(w.waitingForAuth, handle)
}

func (w *Worker) report(r Report) {
	select {
	case w.reportCh <- r:
	default:
		// Reporting must never block the frame-decode loop; drop and
		// log rather than deadlock on a slow Supervisor.
		w.log.Printf("report channel full, dropping %T", r)
	}
}
