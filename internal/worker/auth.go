package worker

import (
	"context"
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"

	"github.com/corvidae/nostrcore/internal/types"
)

// AuthState is the per-worker authentication state machine described
// machine.
type AuthState int

const (
	AuthNone AuthState = iota
	AuthWaiting
	AuthFakeWaiting
	AuthAuthenticated
	AuthFakeAuthenticated
	AuthFailed
)

func (s AuthState) Settled() bool {
	return s == AuthAuthenticated || s == AuthFakeAuthenticated || s == AuthFailed
}

const kindClientAuth = 22242

// handleAuthChallenge processes an inbound ["AUTH", <challenge>] frame.
func (w *Worker) handleAuthChallenge(ctx context.Context, frame []byte) {
	var arr [2]string
	if err := json.Unmarshal(frame, &arr); err != nil {
		return
	}
	if w.authState.Settled() {
		return
	}
	w.authChallenge = arr[1]
	w.maybeAuthenticate(ctx)
}

// maybeAuthenticate signs and sends a kind-22242 AUTH event if the
// identity is unlocked and the relay's allow_auth policy permits it.
// Called both on an AUTH challenge and when a CLOSED "auth-required:"
// or a post OK "auth-required:" response asks the worker to start
// authenticating, and again after a SetRelayPolicy command resolves a
// pending approval.
func (w *Worker) maybeAuthenticate(ctx context.Context) {
	if w.authState.Settled() || w.authState == AuthWaiting || w.authState == AuthFakeWaiting {
		return
	}
	if w.authChallenge == "" {
		return
	}
	if !w.id.IsUnlocked() {
		return
	}

	switch w.relayAllowsAuth() {
	case types.TriFalse:
		return
	case types.TriUnset:
		if w.cfg.Policy.RequireAuthApproval {
			pk, err := w.id.PublicKey()
			if err != nil {
				return
			}
			w.authState = AuthFakeWaiting
			w.report(NeedsAuthApproval{URL: w.URL, PubKey: pk})
			return
		}
	}

	evt := &nostr.Event{
		Kind:      kindClientAuth,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"relay", w.URL},
			{"challenge", w.authChallenge},
		},
	}
	if err := w.id.SignEvent(ctx, evt); err != nil {
		w.log.Printf("auth sign failed: %v", err)
		return
	}
	w.authWireID = evt.ID
	w.authState = AuthWaiting
	if err := w.send(ctx, []any{"AUTH", evt}); err != nil {
		w.log.Printf("AUTH send failed: %v", err)
	}
}

// advanceAuth handles the OK response to our AUTH event.
func (w *Worker) advanceAuth(ctx context.Context, ok bool) {
	if !ok {
		w.authState = AuthFailed
		for _, h := range w.waitingForAuth {
			w.failHandle(h)
		}
		w.waitingForAuth = nil
		return
	}
	w.authState = AuthAuthenticated

	waiting := w.waitingForAuth
	w.waitingForAuth = nil
	for _, handle := range waiting {
		if sub, ok := w.subs[handle]; ok {
			_ = w.send(ctx, reqFrame(sub.WireID, sub.Filters))
		}
	}

	for id, evt := range w.repostAfterAuth {
		delete(w.repostAfterAuth, id)
		jobID, tracked := w.eventToJob[id]
		if !tracked {
			continue
		}
		w.postEvent(ctx, types.Job{ID: jobID, PostEvent: evt})
	}
}
