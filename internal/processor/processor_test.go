package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/corvidae/nostrcore/internal/store"
	"github.com/corvidae/nostrcore/internal/types"
)

type stubIdentity struct {
	plaintext map[string]string // ciphertext -> plaintext
}

func (s *stubIdentity) DecryptNip44(_ context.Context, _ string, ciphertext string) (string, error) {
	if pt, ok := s.plaintext[ciphertext]; ok {
		return pt, nil
	}
	return "", errors.New("no such ciphertext")
}

type fakeDismisser struct {
	dismissed []string
}

func (f *fakeDismisser) Dismiss(id string) { f.dismissed = append(f.dismissed, id) }

func signedEvent(t *testing.T, sk string, kind int, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	e := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := e.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return e
}

func TestProcessPersistsNewEvent(t *testing.T) {
	st := store.NewMemory()
	p := New(st, nil, nil, nil, nil, time.Minute)
	sk := nostr.GeneratePrivateKey()
	e := signedEvent(t, sk, KindTextNote, "hello", nil)

	if err := p.Process(context.Background(), Input{Event: e, Verify: true}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	has, err := st.HasEvent(context.Background(), e.ID)
	if err != nil || !has {
		t.Errorf("expected event to be persisted, has=%v err=%v", has, err)
	}
}

func TestProcessRejectsBadSignature(t *testing.T) {
	st := store.NewMemory()
	p := New(st, nil, nil, nil, nil, time.Minute)
	sk := nostr.GeneratePrivateKey()
	e := signedEvent(t, sk, KindTextNote, "hello", nil)
	e.Content = "tampered" // invalidates the signature without re-signing

	if err := p.Process(context.Background(), Input{Event: e, Verify: true}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	has, _ := st.HasEvent(context.Background(), e.ID)
	if has {
		t.Errorf("tampered event should not have been persisted")
	}
}

func TestProcessRejectsFarFutureEvent(t *testing.T) {
	st := store.NewMemory()
	p := New(st, nil, nil, nil, nil, time.Minute)
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	e := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(time.Now().Add(time.Hour).Unix()),
		Kind:      KindTextNote,
		Content:   "from the future",
	}
	if err := e.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := p.Process(context.Background(), Input{Event: e, Verify: true}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	has, _ := st.HasEvent(context.Background(), e.ID)
	if has {
		t.Errorf("far-future event should not have been persisted")
	}
}

func TestProcessDuplicateUpdatesSeenOnRelayOnly(t *testing.T) {
	st := store.NewMemory()
	p := New(st, nil, nil, nil, nil, time.Minute)
	sk := nostr.GeneratePrivateKey()
	e := signedEvent(t, sk, KindTextNote, "hello", nil)

	if err := p.Process(context.Background(), Input{Event: e, Verify: true, SeenOnRelay: "wss://a.example"}); err != nil {
		t.Fatalf("Process (first): %v", err)
	}
	if err := p.Process(context.Background(), Input{Event: e, Verify: true, SeenOnRelay: "wss://b.example"}); err != nil {
		t.Fatalf("Process (dup): %v", err)
	}
	relays, err := st.GetEventSeenOnRelay(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("GetEventSeenOnRelay: %v", err)
	}
	if len(relays) != 2 {
		t.Errorf("seen-on-relay list = %v, want 2 entries", relays)
	}
}

func TestProcessReplaceableKeepsNewest(t *testing.T) {
	st := store.NewMemory()
	p := New(st, nil, nil, nil, nil, time.Minute)
	sk := nostr.GeneratePrivateKey()

	older := signedEvent(t, sk, KindMetadata, `{"name":"old"}`, nil)
	older.CreatedAt -= 10
	if err := older.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	newer := signedEvent(t, sk, KindMetadata, `{"name":"new"}`, nil)

	if err := p.Process(context.Background(), Input{Event: older, Verify: true}); err != nil {
		t.Fatalf("Process (older): %v", err)
	}
	if err := p.Process(context.Background(), Input{Event: newer, Verify: true}); err != nil {
		t.Fatalf("Process (newer): %v", err)
	}

	pk, _ := nostr.GetPublicKey(sk)
	stored, err := st.GetReplaceableEvent(context.Background(), pk, KindMetadata, "")
	if err != nil || stored == nil {
		t.Fatalf("GetReplaceableEvent: %v, stored=%v", err, stored)
	}
	if stored.Content != newer.Content {
		t.Errorf("stored content = %q, want newer %q", stored.Content, newer.Content)
	}

	person, ok, _ := st.GetPerson(context.Background(), pk)
	if !ok || person.Metadata == nil || person.Metadata.Name != "new" {
		t.Errorf("processMetadata did not apply newest metadata: %+v", person)
	}
}

func TestProcessDeletionGatesFutureReceipt(t *testing.T) {
	st := store.NewMemory()
	dismisser := &fakeDismisser{}
	p := New(st, nil, nil, dismisser, nil, time.Minute)
	sk := nostr.GeneratePrivateKey()
	target := signedEvent(t, sk, KindTextNote, "will be deleted", nil)

	if err := p.Process(context.Background(), Input{Event: target, Verify: true}); err != nil {
		t.Fatalf("Process (target): %v", err)
	}

	deletion := signedEvent(t, sk, KindDeletion, "", nostr.Tags{{"e", target.ID}})
	if err := p.Process(context.Background(), Input{Event: deletion, Verify: true}); err != nil {
		t.Fatalf("Process (deletion): %v", err)
	}

	deleted, err := st.HasDeletion(context.Background(), target.ID)
	if err != nil || !deleted {
		t.Errorf("target should be marked deleted, deleted=%v err=%v", deleted, err)
	}
	// A TextNote is feed-displayable, so the deletion is recorded as a
	// relationship only and the Dismisser is not called for it.
	if len(dismisser.dismissed) != 0 {
		t.Errorf("feed-displayable target %q should not be dismissed, got %v", target.ID, dismisser.dismissed)
	}

	// Re-receiving the already-deleted event (with ProcessEvenIfDup so
	// it doesn't short-circuit on step 1) must not resurrect it via a
	// second write; the deletion relationship still gates step 5.
	if err := p.Process(context.Background(), Input{Event: target, Verify: true, ProcessEvenIfDup: true}); err != nil {
		t.Fatalf("Process (re-receipt): %v", err)
	}
}

func TestProcessContactListUpdatesFollowedSet(t *testing.T) {
	st := store.NewMemory()
	p := New(st, nil, nil, nil, nil, time.Minute)
	sk := nostr.GeneratePrivateKey()
	followedPK := nostr.GeneratePrivateKey()
	followedPub, _ := nostr.GetPublicKey(followedPK)

	e := signedEvent(t, sk, KindContactList, "", nostr.Tags{{"p", followedPub}})
	if err := p.Process(context.Background(), Input{Event: e, Verify: true}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	list, ok, err := st.GetPersonList(context.Background(), types.ListFollowed)
	if err != nil || !ok {
		t.Fatalf("GetPersonList: ok=%v err=%v", ok, err)
	}
	if _, present := list.Members[followedPub]; !present {
		t.Errorf("followed pubkey missing from ListFollowed: %+v", list.Members)
	}
}

func TestProcessSpamGateDeniesNonFollowed(t *testing.T) {
	st := store.NewMemory()
	denyAll := func(*nostr.Event) SpamVerdict { return SpamDeny }
	p := New(st, nil, nil, nil, denyAll, time.Minute)
	sk := nostr.GeneratePrivateKey()
	e := signedEvent(t, sk, KindTextNote, "spam", nil)

	if err := p.Process(context.Background(), Input{Event: e, Verify: true}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	has, _ := st.HasEvent(context.Background(), e.ID)
	if has {
		t.Errorf("denied event should not have been persisted")
	}
}

func TestProcessSpamGateAllowsFollowed(t *testing.T) {
	st := store.NewMemory()
	denyAll := func(*nostr.Event) SpamVerdict { return SpamDeny }
	p := New(st, nil, nil, nil, denyAll, time.Minute)
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	if err := st.ModifyPerson(context.Background(), pk, func(pp *types.Person) { pp.Followed = true }); err != nil {
		t.Fatalf("ModifyPerson: %v", err)
	}
	e := signedEvent(t, sk, KindTextNote, "from a friend", nil)

	if err := p.Process(context.Background(), Input{Event: e, Verify: true}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	has, _ := st.HasEvent(context.Background(), e.ID)
	if !has {
		t.Errorf("followed author's event should bypass the spam gate")
	}
}

func TestProcessGiftWrapUnwrapsAndPersistsUnderWrapID(t *testing.T) {
	st := store.NewMemory()
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	rumor := &nostr.Event{PubKey: pk, Kind: KindTextNote, Content: "secret note", CreatedAt: nostr.Timestamp(time.Now().Unix())}
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		t.Fatalf("marshal rumor: %v", err)
	}
	seal := &nostr.Event{PubKey: pk, Kind: 13, Content: "seal-ciphertext", CreatedAt: nostr.Timestamp(time.Now().Unix())}
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		t.Fatalf("marshal seal: %v", err)
	}

	id := &stubIdentity{plaintext: map[string]string{
		"wrap-ciphertext": string(sealJSON),
		"seal-ciphertext": string(rumorJSON),
	}}
	p := New(st, id, nil, nil, nil, time.Minute)

	wrap := signedEvent(t, sk, KindGiftWrap, "wrap-ciphertext", nil)

	if err := p.Process(context.Background(), Input{Event: wrap, Verify: true}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	has, err := st.HasEvent(context.Background(), wrap.ID)
	if err != nil || !has {
		t.Errorf("gift wrap should be stored under its own wrap ID, has=%v err=%v", has, err)
	}
}

func TestIsReplaceableAndIsFeedDisplayable(t *testing.T) {
	cases := []struct {
		kind        int
		replaceable bool
	}{
		{KindMetadata, true},
		{KindContactList, true},
		{KindMuteList, true},
		{KindFollowSets, true},
		{KindTextNote, false},
		{KindReaction, false},
	}
	for _, c := range cases {
		if got := IsReplaceable(c.kind); got != c.replaceable {
			t.Errorf("IsReplaceable(%d) = %v, want %v", c.kind, got, c.replaceable)
		}
	}
	if !IsFeedDisplayable(KindTextNote) {
		t.Errorf("KindTextNote should be feed-displayable")
	}
	if IsFeedDisplayable(KindReaction) {
		t.Errorf("KindReaction should not be feed-displayable")
	}
}
