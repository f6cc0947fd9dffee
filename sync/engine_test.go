// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/lib/sqlitepool"
	"github.com/loom-im/loom/lib/testutil"
	"github.com/loom-im/loom/messaging"
	"github.com/loom-im/loom/store"
	"github.com/loom-im/loom/timeline"
	"github.com/loom-im/loom/vault"
)

var (
	testRoom   = ref.MustParseRoomID("!sync:loom.local")
	aliceUser  = ref.MustParseUserID("@alice:loom.local")
	bobUser    = ref.MustParseUserID("@bob:loom.local")
	bobDevice  = ref.MustParseDeviceID("BOBDEV")
	testFilter = `{"room":{"timeline":{"limit":20}}}`
)

// fakeTransport serves queued sync responses and records key uploads.
type fakeTransport struct {
	responses []*messaging.SyncResponse
	errs      []error
	calls     int
	synced    chan struct{}
	release   chan struct{}

	uploads []messaging.UploadKeysRequest
}

func (f *fakeTransport) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	if f.synced != nil {
		select {
		case f.synced <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	index := f.calls
	f.calls++
	if index < len(f.errs) && f.errs[index] != nil {
		return nil, f.errs[index]
	}
	if index >= len(f.responses) {
		return nil, fmt.Errorf("unexpected sync call %d", index)
	}
	return f.responses[index], nil
}

func (f *fakeTransport) UploadKeys(ctx context.Context, request messaging.UploadKeysRequest) (map[string]int, error) {
	f.uploads = append(f.uploads, request)
	return map[string]int{vault.AlgorithmOneTimeKey: len(request.OneTimeKeys)}, nil
}

type testFixture struct {
	engine    *Engine
	store     *store.Store
	vault     *vault.Vault
	timeline  *timeline.Timeline
	transport *fakeTransport
}

type nullPaginator struct{}

func (nullPaginator) RoomMessages(ctx context.Context, roomID ref.RoomID, options messaging.RoomMessagesOptions) (*messaging.RoomMessagesResponse, error) {
	return nil, fmt.Errorf("no pagination in this test")
}

func openFixture(t *testing.T, transport *fakeTransport) *testFixture {
	t.Helper()

	st, err := store.Open(store.Config{
		Path:      filepath.Join(t.TempDir(), "loom.db"),
		OnConnect: vault.Schema,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	vlt, err := vault.Open(context.Background(), vault.Config{Pool: st.Pool()})
	if err != nil {
		t.Fatalf("opening vault: %v", err)
	}
	t.Cleanup(func() { vlt.Close() })

	tl, err := timeline.New(timeline.Config{Store: st, Paginator: nullPaginator{}})
	if err != nil {
		t.Fatalf("timeline.New: %v", err)
	}

	engine, err := New(Config{
		Transport: transport,
		Store:     st,
		Vault:     vlt,
		Timeline:  tl,
		UserID:    bobUser,
		DeviceID:  bobDevice,
		Filter:    testFilter,
		RetryMin:  time.Millisecond,
		RetryMax:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testFixture{engine: engine, store: st, vault: vlt, timeline: tl, transport: transport}
}

func wireEvent(t *testing.T, eventType ref.EventType, stateKey *string, content string) messaging.Event {
	t.Helper()
	eventID, err := ref.ParseEventID("$" + testutil.UniqueID("ev"))
	if err != nil {
		t.Fatalf("ParseEventID: %v", err)
	}
	return messaging.Event{
		Type:     eventType,
		EventID:  eventID,
		Sender:   aliceUser,
		StateKey: stateKey,
		Content:  json.RawMessage(content),
	}
}

func stateKey(s string) *string { return &s }

func joinDelta(state, timelineEvents []messaging.Event) *messaging.SyncResponse {
	return &messaging.SyncResponse{
		NextBatch: "batch-" + testutil.UniqueID("t"),
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoomDelta{
				testRoom: {
					State:    messaging.EventList{Events: state},
					Timeline: messaging.TimelineSection{Events: timelineEvents},
				},
			},
		},
	}
}

func TestOnceAppliesDelta(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{responses: []*messaging.SyncResponse{
		joinDelta(
			[]messaging.Event{wireEvent(t, ref.TypeName, stateKey(""), `{"name":"Test"}`)},
			[]messaging.Event{wireEvent(t, ref.TypeMessage, nil, `{"body":"hi","msgtype":"m.text"}`)},
		),
		{NextBatch: "batch-empty"},
	}}
	fixture := openFixture(t, transport)

	result, err := fixture.engine.Once(ctx)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if result.Rooms != 1 || result.Appended != 2 {
		t.Errorf("result = %d rooms, %d appended, want 1 and 2", result.Rooms, result.Appended)
	}
	if fixture.engine.State() != StateIdle {
		t.Errorf("state = %v, want idle", fixture.engine.State())
	}

	name, err := fixture.store.StateEvent(ctx, testRoom, ref.TypeName, "")
	if err != nil {
		t.Fatalf("StateEvent: %v", err)
	}
	content, err := name.ContentMap()
	if err != nil {
		t.Fatalf("ContentMap: %v", err)
	}
	if content["name"] != "Test" {
		t.Errorf("room name = %v, want Test", content["name"])
	}

	recent, err := fixture.store.Recent(ctx, testRoom, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent returned %d events, want 2", len(recent))
	}
	if recent[len(recent)-1].Type != ref.TypeMessage {
		t.Errorf("newest event type = %s, want %s", recent[len(recent)-1].Type, ref.TypeMessage)
	}

	token, err := fixture.store.SyncToken(ctx)
	if err != nil {
		t.Fatalf("SyncToken: %v", err)
	}
	if token != result.NextBatch {
		t.Errorf("cursor = %q, want %q", token, result.NextBatch)
	}

	t.Run("empty delta only advances the cursor", func(t *testing.T) {
		second, err := fixture.engine.Once(ctx)
		if err != nil {
			t.Fatalf("Once: %v", err)
		}
		if second.Appended != 0 || second.Rooms != 0 {
			t.Errorf("empty delta appended %d events across %d rooms", second.Appended, second.Rooms)
		}
		token, err := fixture.store.SyncToken(ctx)
		if err != nil {
			t.Fatalf("SyncToken: %v", err)
		}
		if token != "batch-empty" {
			t.Errorf("cursor = %q, want batch-empty", token)
		}
		recent, err := fixture.store.Recent(ctx, testRoom, 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(recent) != 2 {
			t.Errorf("event count changed to %d after empty delta", len(recent))
		}
	})
}

func TestReplayedDeltaIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	delta := joinDelta(
		[]messaging.Event{wireEvent(t, ref.TypeName, stateKey(""), `{"name":"Test"}`)},
		[]messaging.Event{wireEvent(t, ref.TypeMessage, nil, `{"body":"hi","msgtype":"m.text"}`)},
	)
	// The server hands out the identical delta twice, as it would
	// after a crash between applying events and persisting the
	// cursor.
	transport := &fakeTransport{responses: []*messaging.SyncResponse{delta, delta}}
	fixture := openFixture(t, transport)

	if _, err := fixture.engine.Once(ctx); err != nil {
		t.Fatalf("first Once: %v", err)
	}
	second, err := fixture.engine.Once(ctx)
	if err != nil {
		t.Fatalf("replayed Once: %v", err)
	}
	if second.Appended != 0 {
		t.Errorf("replay appended %d events, want 0", second.Appended)
	}

	recent, err := fixture.store.Recent(ctx, testRoom, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("store holds %d events after replay, want 2", len(recent))
	}
}

func TestOnceRejectsConcurrentCycle(t *testing.T) {
	transport := &fakeTransport{
		responses: []*messaging.SyncResponse{{NextBatch: "t1"}},
		synced:    make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	fixture := openFixture(t, transport)

	done := make(chan error, 1)
	go func() {
		_, err := fixture.engine.Once(context.Background())
		done <- err
	}()

	testutil.RequireReceive(t, transport.synced, 5*time.Second, "waiting for first cycle to start")
	if _, err := fixture.engine.Once(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent Once err = %v, want ErrSyncInProgress", err)
	}

	close(transport.release)
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for first cycle"); err != nil {
		t.Errorf("first cycle failed: %v", err)
	}
}

func TestTransportFailureLeavesEngineIdle(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{errs: []error{fmt.Errorf("connection refused")}}
	fixture := openFixture(t, transport)

	if _, err := fixture.engine.Once(ctx); err == nil {
		t.Fatal("Once succeeded against a failing transport")
	}
	if fixture.engine.State() != StateIdle {
		t.Errorf("state = %v, want idle", fixture.engine.State())
	}

	token, err := fixture.store.SyncToken(ctx)
	if err != nil {
		t.Fatalf("SyncToken: %v", err)
	}
	if token != "" {
		t.Errorf("cursor advanced to %q on a failed cycle", token)
	}
}

func TestStorageFailureFaultsEngine(t *testing.T) {
	transport := &fakeTransport{responses: []*messaging.SyncResponse{{NextBatch: "t1"}}}
	fixture := openFixture(t, transport)

	// A closed store makes every cursor read fail, standing in for a
	// disk-level fault.
	fixture.store.Close()

	if _, err := fixture.engine.Once(context.Background()); err == nil {
		t.Fatal("Once succeeded against a closed store")
	}
	if fixture.engine.State() != StateFaulted {
		t.Errorf("state = %v, want faulted", fixture.engine.State())
	}
	if fixture.engine.LastError() == nil {
		t.Error("faulted engine reports no LastError")
	}
}

// senderSession is a second account that encrypts toward the engine's
// vault, playing the remote device in end-to-end scenarios.
type senderSession struct {
	vault *vault.Vault
}

func newSender(t *testing.T) *senderSession {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "sender.db"),
		OnConnect: vault.Schema,
	})
	if err != nil {
		t.Fatalf("opening sender pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	vlt, err := vault.Open(context.Background(), vault.Config{Pool: pool})
	if err != nil {
		t.Fatalf("opening sender vault: %v", err)
	}
	t.Cleanup(func() { vlt.Close() })
	return &senderSession{vault: vlt}
}

// pairWith claims one of the receiver's one-time keys and establishes
// the sender's half of a pair session.
func (s *senderSession) pairWith(t *testing.T, receiver *vault.Vault) {
	t.Helper()
	ctx := context.Background()

	keys, err := receiver.GenerateOneTimeKeys(ctx, bobUser, bobDevice, 1)
	if err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	for uploadID, key := range keys {
		keyID := uploadID[len(vault.AlgorithmOneTimeKey)+1:]
		if _, err := s.vault.EnsurePairSession(ctx, receiver.IdentityKey(), keyID, key.Key); err != nil {
			t.Fatalf("EnsurePairSession: %v", err)
		}
	}
}

// encryptedRoomEvent seals a message into the sender's group session
// and returns the wire event plus the room key share for the
// receiver, as a homeserver would deliver them.
func (s *senderSession) encryptedRoomEvent(t *testing.T, receiver *vault.Vault, body string) (messaging.Event, *messaging.Event) {
	t.Helper()
	ctx := context.Background()

	content := json.RawMessage(fmt.Sprintf(`{"body":%q,"msgtype":"m.text"}`, body))
	envelope, share, err := s.vault.EncryptRoomEvent(ctx, testRoom, ref.TypeMessage, content)
	if err != nil {
		t.Fatalf("EncryptRoomEvent: %v", err)
	}

	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshaling envelope: %v", err)
	}
	wire := wireEvent(t, ref.TypeEncrypted, nil, string(envelopeJSON))

	if share == nil {
		return wire, nil
	}
	shareJSON, err := json.Marshal(share)
	if err != nil {
		t.Fatalf("marshaling room key: %v", err)
	}
	payload := fmt.Sprintf(`{"type":%q,"content":%s}`, ref.TypeRoomKey, shareJSON)
	sealed, err := s.vault.EncryptToDevice(ctx, receiver.IdentityKey(), json.RawMessage(payload))
	if err != nil {
		t.Fatalf("EncryptToDevice: %v", err)
	}
	sealedJSON, err := json.Marshal(sealed)
	if err != nil {
		t.Fatalf("marshaling to-device envelope: %v", err)
	}
	toDevice := messaging.Event{
		Type:    ref.TypeEncrypted,
		Sender:  aliceUser,
		Content: sealedJSON,
	}
	return wire, &toDevice
}

func TestRoomKeyUnlocksEventsInSameDelta(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	fixture := openFixture(t, transport)

	sender := newSender(t)
	sender.pairWith(t, fixture.vault)
	wire, share := sender.encryptedRoomEvent(t, fixture.vault, "secret hello")
	if share == nil {
		t.Fatal("first group encryption produced no room key share")
	}

	response := joinDelta(nil, []messaging.Event{wire})
	response.ToDevice = messaging.EventList{Events: []messaging.Event{*share}}
	transport.responses = []*messaging.SyncResponse{response}

	result, err := fixture.engine.Once(ctx)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if result.KeysImported != 1 {
		t.Errorf("KeysImported = %d, want 1", result.KeysImported)
	}

	recent, err := fixture.store.Recent(ctx, testRoom, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("Recent returned %d events, want 1", len(recent))
	}
	event := recent[0]
	if event.Type != ref.TypeMessage {
		t.Errorf("stored type = %s, want decrypted %s", event.Type, ref.TypeMessage)
	}
	if event.DecryptionError != "" {
		t.Errorf("decryption error = %q, want none", event.DecryptionError)
	}
	content, err := event.ContentMap()
	if err != nil {
		t.Fatalf("ContentMap: %v", err)
	}
	if content["body"] != "secret hello" {
		t.Errorf("body = %v, want secret hello", content["body"])
	}
	if len(event.Ciphertext) == 0 {
		t.Error("original ciphertext was not preserved")
	}
}

func TestLateRoomKeyUpgradesStoredEvents(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	fixture := openFixture(t, transport)

	sender := newSender(t)
	sender.pairWith(t, fixture.vault)
	wire, share := sender.encryptedRoomEvent(t, fixture.vault, "delayed key")

	// Delta one delivers the ciphertext without its key.
	transport.responses = []*messaging.SyncResponse{joinDelta(nil, []messaging.Event{wire})}
	if _, err := fixture.engine.Once(ctx); err != nil {
		t.Fatalf("Once: %v", err)
	}

	recent, err := fixture.store.Recent(ctx, testRoom, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if recent[0].Type != ref.TypeEncrypted || recent[0].DecryptionError == "" {
		t.Fatalf("event stored as %s with error %q, want pending decryption",
			recent[0].Type, recent[0].DecryptionError)
	}
	position := recent[0].Position

	var dispatched []store.Event
	fixture.engine.OnEvent(ref.TypeMessage, func(roomID ref.RoomID, event store.Event) {
		dispatched = append(dispatched, event)
	})

	// Delta two carries only the key; the stored event upgrades in
	// place.
	transport.responses = append(transport.responses, &messaging.SyncResponse{
		NextBatch: "t2",
		ToDevice:  messaging.EventList{Events: []messaging.Event{*share}},
	})
	result, err := fixture.engine.Once(ctx)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if result.Retried != 1 {
		t.Errorf("Retried = %d, want 1", result.Retried)
	}

	recent, err = fixture.store.Recent(ctx, testRoom, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	upgraded := recent[0]
	if upgraded.Type != ref.TypeMessage || upgraded.DecryptionError != "" {
		t.Errorf("event = %s error %q, want decrypted message", upgraded.Type, upgraded.DecryptionError)
	}
	if upgraded.Position != position {
		t.Errorf("position moved from %d to %d during upgrade", position, upgraded.Position)
	}
	if len(dispatched) != 1 {
		t.Errorf("dispatched %d upgraded events to handler, want 1", len(dispatched))
	}
}

func TestFaultedCycleRetriesEncryptedEvent(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	fixture := openFixture(t, transport)

	sender := newSender(t)
	sender.pairWith(t, fixture.vault)
	wire, share := sender.encryptedRoomEvent(t, fixture.vault, "survives the retry")

	// The key arrives first so the vault can decrypt.
	transport.responses = []*messaging.SyncResponse{{
		NextBatch: "t1",
		ToDevice:  messaging.EventList{Events: []messaging.Event{*share}},
	}}
	if _, err := fixture.engine.Once(ctx); err != nil {
		t.Fatalf("Once: %v", err)
	}

	// A cycle that faults after the vault consumed the message index
	// but before the append committed leaves exactly this state: the
	// index recorded against the event, the event absent from the
	// store. The cursor never advanced, so the next cycle replays the
	// same delta.
	var envelope vault.GroupEnvelope
	if err := json.Unmarshal(wire.Content, &envelope); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if _, _, err := fixture.vault.DecryptRoomEvent(ctx, testRoom, wire.EventID, &envelope); err != nil {
		t.Fatalf("DecryptRoomEvent: %v", err)
	}

	transport.responses = append(transport.responses, joinDelta(nil, []messaging.Event{wire}))
	if _, err := fixture.engine.Once(ctx); err != nil {
		t.Fatalf("retried Once: %v", err)
	}

	recent, err := fixture.store.Recent(ctx, testRoom, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("Recent returned %d events, want 1", len(recent))
	}
	event := recent[0]
	if event.Type != ref.TypeMessage || event.DecryptionError != "" {
		t.Fatalf("retried event stored as %s with error %q, want decrypted message",
			event.Type, event.DecryptionError)
	}
	content, err := event.ContentMap()
	if err != nil {
		t.Fatalf("ContentMap: %v", err)
	}
	if content["body"] != "survives the retry" {
		t.Errorf("body = %v, want survives the retry", content["body"])
	}
}

func TestOneTimeKeyReplenishment(t *testing.T) {
	transport := &fakeTransport{responses: []*messaging.SyncResponse{{
		NextBatch:              "t1",
		DeviceOneTimeKeysCount: map[string]int{vault.AlgorithmOneTimeKey: 3},
	}}}
	fixture := openFixture(t, transport)

	if _, err := fixture.engine.Once(context.Background()); err != nil {
		t.Fatalf("Once: %v", err)
	}
	if len(transport.uploads) != 1 {
		t.Fatalf("UploadKeys called %d times, want 1", len(transport.uploads))
	}
	// Default target is 50; a count of 3 is below half, so the upload
	// tops back up to the target.
	if got := len(transport.uploads[0].OneTimeKeys); got != 47 {
		t.Errorf("uploaded %d one-time keys, want 47", got)
	}

	t.Run("healthy count uploads nothing", func(t *testing.T) {
		transport.responses = append(transport.responses, &messaging.SyncResponse{
			NextBatch:              "t2",
			DeviceOneTimeKeysCount: map[string]int{vault.AlgorithmOneTimeKey: 40},
		})
		if _, err := fixture.engine.Once(context.Background()); err != nil {
			t.Fatalf("Once: %v", err)
		}
		if len(transport.uploads) != 1 {
			t.Errorf("UploadKeys called %d times, want still 1", len(transport.uploads))
		}
	})
}

func TestSeedOneTimeKeys(t *testing.T) {
	transport := &fakeTransport{}
	fixture := openFixture(t, transport)

	// A fresh device has nothing published; seeding uploads the full
	// default target.
	if err := fixture.engine.SeedOneTimeKeys(context.Background()); err != nil {
		t.Fatalf("SeedOneTimeKeys: %v", err)
	}
	if len(transport.uploads) != 1 {
		t.Fatalf("UploadKeys called %d times, want 1", len(transport.uploads))
	}
	if got := len(transport.uploads[0].OneTimeKeys); got != 50 {
		t.Errorf("uploaded %d one-time keys, want 50", got)
	}

	t.Run("seeding again is a no-op", func(t *testing.T) {
		if err := fixture.engine.SeedOneTimeKeys(context.Background()); err != nil {
			t.Fatalf("SeedOneTimeKeys: %v", err)
		}
		if len(transport.uploads) != 1 {
			t.Errorf("UploadKeys called %d times, want still 1", len(transport.uploads))
		}
	})
}

func TestHandlerPanicDoesNotAbortCycle(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{responses: []*messaging.SyncResponse{
		joinDelta(nil, []messaging.Event{
			wireEvent(t, ref.TypeMessage, nil, `{"body":"one","msgtype":"m.text"}`),
			wireEvent(t, ref.TypeMessage, nil, `{"body":"two","msgtype":"m.text"}`),
		}),
	}}
	fixture := openFixture(t, transport)

	var seen []string
	fixture.engine.OnEvent(ref.TypeMessage, func(roomID ref.RoomID, event store.Event) {
		panic("listener bug")
	})
	fixture.engine.OnEvent(ref.TypeMessage, func(roomID ref.RoomID, event store.Event) {
		content, err := event.ContentMap()
		if err != nil {
			t.Errorf("ContentMap: %v", err)
			return
		}
		seen = append(seen, content["body"].(string))
	})

	result, err := fixture.engine.Once(ctx)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if result.Appended != 2 {
		t.Errorf("Appended = %d, want 2", result.Appended)
	}
	if len(seen) != 2 {
		t.Errorf("surviving handler saw %d events, want 2", len(seen))
	}
	if fixture.engine.State() != StateIdle {
		t.Errorf("state = %v, want idle", fixture.engine.State())
	}
}

func TestRunForeverBacksOffAndStops(t *testing.T) {
	transport := &fakeTransport{
		errs: []error{
			fmt.Errorf("transient outage"),
			&messaging.MatrixError{Code: messaging.ErrCodeLimitExceeded, StatusCode: 429, RetryAfterMS: 1},
		},
		responses: []*messaging.SyncResponse{nil, nil, {NextBatch: "t1"}},
		synced:    make(chan struct{}, 16),
	}
	fixture := openFixture(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fixture.engine.RunForever(ctx) }()

	// Two failing cycles, then a successful one.
	for i := 0; i < 3; i++ {
		testutil.RequireReceive(t, transport.synced, 5*time.Second, "waiting for sync cycle %d", i)
	}

	cancel()
	err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for RunForever to stop")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RunForever returned %v, want context.Canceled", err)
	}
}
