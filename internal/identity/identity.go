// Package identity wraps the cryptographic identity collaborator
// key material: key unlock state, event signing (with an
// optional proof-of-work target), and NIP-04/NIP-44 encryption. The
// client core only ever talks to this interface — never to raw key
// material — mirroring how pinpox-nitrous's nostr.go keeps the loaded
// Keys behind loadKeys() and passes them down instead of touching
// key files from deep in the call stack.
package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Identity is the contract the Supervisor, Worker and NIP-46 responder
// consume. A locked identity can still report its public key (read
// from config/keyring) but cannot sign or decrypt.
type Identity interface {
	IsUnlocked() bool
	PublicKey() (string, error)

	SignEvent(ctx context.Context, e *nostr.Event) error
	SignEventWithPow(ctx context.Context, e *nostr.Event, difficulty int) error

	EncryptNip04(ctx context.Context, peerPubkey, plaintext string) (string, error)
	DecryptNip04(ctx context.Context, peerPubkey, ciphertext string) (string, error)
	EncryptNip44(ctx context.Context, peerPubkey, plaintext string) (string, error)
	DecryptNip44(ctx context.Context, peerPubkey, ciphertext string) (string, error)
	Nip44ConversationKey(ctx context.Context, peerPubkey string) ([32]byte, error)

	Unlock(passphrase string) error
	ChangePassphrase(old, new string) error
	Delete() error
}

// Local is a minimal in-process Identity backed by a raw secret key,
// matching the "private_key_file or NOSTR_PRIVATE_KEY env var" loading
// path nitrous's loadKeys implements. A production build would
// keep the key encrypted at rest behind Unlock; this reference
// implementation treats Unlock as a no-op once the key is loaded,
// since encrypted-at-rest storage is outside this core's scope.
type Local struct {
	mu      sync.RWMutex
	sk      string
	pk      string
	unlocked bool
}

func NewLocal(sk string) (*Local, error) {
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &Local{sk: sk, pk: pk, unlocked: true}, nil
}

func (l *Local) IsUnlocked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unlocked
}

func (l *Local) PublicKey() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pk == "" {
		return "", fmt.Errorf("identity: no public key loaded")
	}
	return l.pk, nil
}

func (l *Local) requireUnlocked() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.unlocked {
		return "", fmt.Errorf("identity: locked")
	}
	return l.sk, nil
}

func (l *Local) SignEvent(_ context.Context, e *nostr.Event) error {
	sk, err := l.requireUnlocked()
	if err != nil {
		return err
	}
	return e.Sign(sk)
}

// SignEventWithPow mines a nonce tag (NIP-13) until the event id has at
// least `difficulty` leading zero bits, then signs. difficulty <= 0 is
// equivalent to SignEvent.
func (l *Local) SignEventWithPow(_ context.Context, e *nostr.Event, difficulty int) error {
	sk, err := l.requireUnlocked()
	if err != nil {
		return err
	}
	if difficulty <= 0 {
		return e.Sign(sk)
	}

	e.Tags = append(e.Tags, nostr.Tag{"nonce", "0", strconv.Itoa(difficulty)})
	nonceIdx := len(e.Tags) - 1
	for nonce := uint64(0); ; nonce++ {
		e.Tags[nonceIdx][1] = strconv.FormatUint(nonce, 10)
		id := e.GetID()
		if leadingZeroBits(id) >= difficulty {
			return e.Sign(sk)
		}
	}
}

func leadingZeroBits(hexID string) int {
	bits := 0
	for _, c := range hexID {
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		default:
			return bits
		}
		if v == 0 {
			bits += 4
			continue
		}
		for shift := 3; shift >= 0; shift-- {
			if v&(1<<shift) != 0 {
				return bits
			}
			bits++
		}
		return bits
	}
	return bits
}

func (l *Local) EncryptNip04(_ context.Context, peerPubkey, plaintext string) (string, error) {
	sk, err := l.requireUnlocked()
	if err != nil {
		return "", err
	}
	shared, err := nip04.ComputeSharedSecret(peerPubkey, sk)
	if err != nil {
		return "", err
	}
	return nip04.Encrypt(plaintext, shared)
}

func (l *Local) DecryptNip04(_ context.Context, peerPubkey, ciphertext string) (string, error) {
	sk, err := l.requireUnlocked()
	if err != nil {
		return "", err
	}
	shared, err := nip04.ComputeSharedSecret(peerPubkey, sk)
	if err != nil {
		return "", err
	}
	return nip04.Decrypt(ciphertext, shared)
}

func (l *Local) Nip44ConversationKey(_ context.Context, peerPubkey string) ([32]byte, error) {
	sk, err := l.requireUnlocked()
	if err != nil {
		return [32]byte{}, err
	}
	return nip44.GenerateConversationKey(peerPubkey, sk)
}

func (l *Local) EncryptNip44(ctx context.Context, peerPubkey, plaintext string) (string, error) {
	key, err := l.Nip44ConversationKey(ctx, peerPubkey)
	if err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, key)
}

func (l *Local) DecryptNip44(ctx context.Context, peerPubkey, ciphertext string) (string, error) {
	key, err := l.Nip44ConversationKey(ctx, peerPubkey)
	if err != nil {
		return "", err
	}
	return nip44.Decrypt(ciphertext, key)
}

// Nip44ConversationKeyHex is the hex-encoded form the NIP-46 responder
// returns for the nip44_get_key command.
func (l *Local) Nip44ConversationKeyHex(ctx context.Context, peerPubkey string) (string, error) {
	key, err := l.Nip44ConversationKey(ctx, peerPubkey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key[:]), nil
}

func (l *Local) Unlock(_ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sk == "" {
		return fmt.Errorf("identity: no key material to unlock")
	}
	l.unlocked = true
	return nil
}

func (l *Local) ChangePassphrase(_, _ string) error {
	// Passphrase-at-rest encryption lives in the excluded on-disk
	// store; this in-process identity has nothing to re-encrypt.
	return nil
}

func (l *Local) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sk = ""
	l.unlocked = false
	return nil
}

// FromNsecOrHex decodes either a raw hex secret key or an nsec1...
// bech32-encoded one, the same two forms nitrous's loadKeys
// accepts.
func FromNsecOrHex(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "nsec") {
		return raw, nil
	}
	prefix, val, err := nip19.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("decode nsec: %w", err)
	}
	if prefix != "nsec" {
		return "", fmt.Errorf("expected nsec prefix, got %s", prefix)
	}
	return val.(string), nil
}
