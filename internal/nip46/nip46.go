// Package nip46 implements the NIP-46 Remote Signer Responder
// it answers nostrconnect command frames on behalf of
// the local identity, gated per peer by three independent approval
// states. Event construction and encryption follow the same
// Identity-mediated pattern nitrous uses for DM events in
// nostr_dm.go, generalized from a single fixed peer to an arbitrary
// set of connected remote-signer clients.
package nip46

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/corvidae/nostrcore/internal/logx"
	"github.com/corvidae/nostrcore/internal/types"
)

const KindNostrConnect = 24133

// Approval is one of the five states defined for each of
// the sign/encrypt/decrypt gates.
type Approval int

const (
	ApprovalNone Approval = iota
	ApprovalOnce
	ApprovalUntil
	ApprovalAlways
	ApprovalAsk
)

// Gate pairs an approval state with its optional expiry, used only by
// ApprovalUntil.
type Gate struct {
	State Approval
	Until time.Time
}

// IsApproved consumes Once, expires Until past its deadline, and never
// approves Ask or None.
func (g *Gate) IsApproved(now time.Time) bool {
	switch g.State {
	case ApprovalOnce:
		g.State = ApprovalNone
		return true
	case ApprovalUntil:
		if now.After(g.Until) {
			g.State = ApprovalNone
			return false
		}
		return true
	case ApprovalAlways:
		return true
	default:
		return false
	}
}

// Peer is one connected (or pending) remote-signer client.
type Peer struct {
	PubKey      string
	DisplayName string
	ReplyRelays []string

	Sign    Gate
	Encrypt Gate
	Decrypt Gate
}

// UnconnectedServer is a pending connect-secret waiting to be claimed.
type UnconnectedServer struct {
	PubKey        string
	ConnectSecret string
}

// Identity is the signing/encryption surface the Responder needs.
type Identity interface {
	PublicKey() (string, error)
	SignEvent(ctx context.Context, e *nostr.Event) error
	EncryptNip04(ctx context.Context, peerPubkey, plaintext string) (string, error)
	DecryptNip04(ctx context.Context, peerPubkey, ciphertext string) (string, error)
	EncryptNip44(ctx context.Context, peerPubkey, plaintext string) (string, error)
	DecryptNip44(ctx context.Context, peerPubkey, ciphertext string) (string, error)
	Nip44ConversationKeyHex(ctx context.Context, peerPubkey string) (string, error)
}

// Dispatcher posts the response event and raises approval-needed
// pending items through the Supervisor.
type Dispatcher interface {
	PostEvent(ctx context.Context, replyRelays []string, e *nostr.Event)
	RequestApproval(ctx context.Context, req types.Nip46Request)
}

type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Responder holds per-peer state and dispatches inbound kind-24133
// events.
type Responder struct {
	id         Identity
	dispatcher Dispatcher
	log        *logx.Logger

	peers        map[string]*Peer
	unconnected  map[string]*UnconnectedServer // keyed by client pubkey
}

func New(id Identity, d Dispatcher) *Responder {
	return &Responder{
		id:          id,
		dispatcher:  d,
		log:         logx.New("nip46", ""),
		peers:       make(map[string]*Peer),
		unconnected: make(map[string]*UnconnectedServer),
	}
}

// AddUnconnected registers a pending connect secret a caller (e.g. a
// nostrconnect:// URI scan) is waiting to be claimed.
func (r *Responder) AddUnconnected(clientPubkey, secret string) {
	r.unconnected[clientPubkey] = &UnconnectedServer{PubKey: clientPubkey, ConnectSecret: secret}
}

// HandleEvent decrypts an inbound kind-24133 event, parses its
// request, and dispatches it per the command flow below.
func (r *Responder) HandleEvent(ctx context.Context, e *nostr.Event) {
	plaintext, err := r.id.DecryptNip04(ctx, e.PubKey, e.Content)
	if err != nil {
		plaintext, err = r.id.DecryptNip44(ctx, e.PubKey, e.Content)
		if err != nil {
			r.log.Printf("nip46: decrypt failed from %s: %v", e.PubKey, err)
			return
		}
	}

	var req request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		r.log.Printf("nip46: malformed request from %s: %v", e.PubKey, err)
		return
	}

	var params []string
	_ = json.Unmarshal(req.Params, &params)

	result, errStr, needApproval := r.dispatch(ctx, e.PubKey, req.Method, params)
	if needApproval {
		r.dispatcher.RequestApproval(ctx, types.Nip46Request{ClientName: r.displayName(e.PubKey), Account: e.PubKey, Command: req.Method})
		return
	}

	r.reply(ctx, e.PubKey, req.ID, result, errStr)
}

func (r *Responder) displayName(pubkey string) string {
	if p, ok := r.peers[pubkey]; ok {
		return p.DisplayName
	}
	return pubkey
}

func (r *Responder) reply(ctx context.Context, peerPubkey, id, result, errStr string) {
	payload, err := json.Marshal(response{ID: id, Result: result, Error: errStr})
	if err != nil {
		r.log.Printf("nip46: marshal response: %v", err)
		return
	}
	ciphertext, err := r.id.EncryptNip04(ctx, peerPubkey, string(payload))
	if err != nil {
		r.log.Printf("nip46: encrypt response: %v", err)
		return
	}
	pubkey, err := r.id.PublicKey()
	if err != nil {
		r.log.Printf("nip46: no public key: %v", err)
		return
	}
	evt := &nostr.Event{
		PubKey:    pubkey,
		CreatedAt: nostr.Now(),
		Kind:      KindNostrConnect,
		Tags:      nostr.Tags{{"p", peerPubkey}},
		Content:   ciphertext,
	}
	if err := r.id.SignEvent(ctx, evt); err != nil {
		r.log.Printf("nip46: sign response: %v", err)
		return
	}
	var relays []string
	if p, ok := r.peers[peerPubkey]; ok {
		relays = p.ReplyRelays
	}
	r.dispatcher.PostEvent(ctx, relays, evt)
}

// dispatch returns (result, errorString, needApproval). Exactly one of
// result/errorString is meaningful unless needApproval is true, in
// which case neither reply field is sent yet.
func (r *Responder) dispatch(ctx context.Context, peerPubkey, method string, params []string) (string, string, bool) {
	switch method {
	case "connect":
		result, errStr := r.handleConnect(peerPubkey, params)
		return result, errStr, false
	case "get_public_key":
		pk, err := r.id.PublicKey()
		if err != nil {
			return "", err.Error(), false
		}
		return pk, "", false
	case "get_relays":
		return "{}", "", false
	case "ping":
		return "pong", "", false
	case "sign_event":
		return r.handleSignEvent(ctx, peerPubkey, params)
	case "nip04_encrypt":
		return r.handleCipher(ctx, peerPubkey, params, r.gate(peerPubkey, GateEncrypt), r.id.EncryptNip04)
	case "nip04_decrypt":
		return r.handleCipher(ctx, peerPubkey, params, r.gate(peerPubkey, GateDecrypt), r.id.DecryptNip04)
	case "nip44_get_key":
		key, err := r.id.Nip44ConversationKeyHex(ctx, peerPubkey)
		if err != nil {
			return "", err.Error(), false
		}
		return key, "", false
	case "nip44_encrypt":
		return r.handleCipher(ctx, peerPubkey, params, r.gate(peerPubkey, GateEncrypt), r.id.EncryptNip44)
	case "nip44_decrypt":
		return r.handleCipher(ctx, peerPubkey, params, r.gate(peerPubkey, GateDecrypt), r.id.DecryptNip44)
	default:
		return "", fmt.Sprintf("unknown method %q", method), false
	}
}

// GateKind names which of a peer's three independent approval gates an
// operation consults. Exported so the Supervisor can resolve a pending
// Nip46Request back to the gate it was raised for.
type GateKind int

const (
	GateSign GateKind = iota
	GateEncrypt
	GateDecrypt
)

func (r *Responder) gate(peerPubkey string, kind GateKind) *Gate {
	p, ok := r.peers[peerPubkey]
	if !ok {
		return &Gate{State: ApprovalNone}
	}
	switch kind {
	case GateEncrypt:
		return &p.Encrypt
	case GateDecrypt:
		return &p.Decrypt
	default:
		return &p.Sign
	}
}

// handleConnect implements the initial connect handshake: if no
// server is configured but an unconnected record exists, require the
// params to match our pubkey and the connect secret; on success,
// promote to a full peer record and drop the unconnected one. It
// returns (result, errorString).
func (r *Responder) handleConnect(peerPubkey string, params []string) (string, string) {
	if _, ok := r.peers[peerPubkey]; ok {
		return "ack", ""
	}
	pending, ok := r.unconnected[peerPubkey]
	if !ok {
		return "", "no pending connection for this client"
	}
	if len(params) < 2 {
		return "", "connect needs the signer pubkey and the connect secret"
	}
	if ourPK, err := r.id.PublicKey(); err != nil || params[0] != ourPK {
		return "", "connect pubkey does not match this signer"
	}
	if params[1] != pending.ConnectSecret {
		return "", "connect secret mismatch"
	}
	delete(r.unconnected, peerPubkey)
	r.peers[peerPubkey] = &Peer{PubKey: peerPubkey}
	return "ack", ""
}

func (r *Responder) handleSignEvent(ctx context.Context, peerPubkey string, params []string) (string, string, bool) {
	g := r.gate(peerPubkey, GateSign)
	if g.State == ApprovalAsk {
		return "", "", true
	}
	if !g.IsApproved(time.Now()) {
		return "", "denied", false
	}
	if len(params) < 1 {
		return "", "missing event", false
	}
	var evt nostr.Event
	if err := json.Unmarshal([]byte(params[0]), &evt); err != nil {
		return "", err.Error(), false
	}
	if err := r.id.SignEvent(ctx, &evt); err != nil {
		return "", err.Error(), false
	}
	out, err := json.Marshal(evt)
	if err != nil {
		return "", err.Error(), false
	}
	return string(out), "", false
}

type cipherFunc func(ctx context.Context, peerPubkey, text string) (string, error)

func (r *Responder) handleCipher(ctx context.Context, peerPubkey string, params []string, g *Gate, fn cipherFunc) (string, string, bool) {
	if g.State == ApprovalAsk {
		return "", "", true
	}
	if !g.IsApproved(time.Now()) {
		return "", "denied", false
	}
	if len(params) < 2 {
		return "", "missing params", false
	}
	targetPubkey, text := params[0], params[1]
	out, err := fn(ctx, targetPubkey, text)
	if err != nil {
		return "", err.Error(), false
	}
	return out, "", false
}

// SetApproval lets the Supervisor resolve a pending Nip46Request once
// the user answers it.
func (r *Responder) SetApproval(peerPubkey string, kind GateKind, answer types.ApprovalAnswer, until time.Time) {
	p, ok := r.peers[peerPubkey]
	if !ok {
		p = &Peer{PubKey: peerPubkey}
		r.peers[peerPubkey] = p
	}
	g := r.gate(peerPubkey, kind)
	switch answer {
	case types.AnswerDeclined:
		g.State = ApprovalNone
	case types.AnswerApproved:
		if until.IsZero() {
			g.State = ApprovalOnce
		} else {
			g.State = ApprovalUntil
			g.Until = until
		}
	case types.AnswerApprovedPermanent:
		g.State = ApprovalAlways
	}
}
