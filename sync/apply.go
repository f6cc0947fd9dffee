// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/messaging"
	"github.com/loom-im/loom/store"
	"github.com/loom-im/loom/vault"
)

// toDevicePayload is the inner event carried by a decrypted
// device-to-device envelope.
type toDevicePayload struct {
	Type    ref.EventType   `json:"type"`
	Content json.RawMessage `json:"content"`
}

// apply processes one delta: to-device key material first, then all
// room sections concurrently, then one-time key replenishment. Only
// storage errors propagate; per-event crypto failures are recorded
// on the event and the cycle continues.
func (e *Engine) apply(ctx context.Context, response *messaging.SyncResponse) (*SyncResult, error) {
	result := &SyncResult{}

	imported, err := e.applyToDevice(ctx, response.ToDevice.Events)
	if err != nil {
		return nil, err
	}
	result.KeysImported = len(imported)

	retried, err := e.retryPending(ctx, imported)
	if err != nil {
		return nil, err
	}
	result.Retried = retried

	appended, err := e.applyRooms(ctx, &response.Rooms)
	if err != nil {
		return nil, err
	}
	result.Appended = appended
	result.Rooms = len(response.Rooms.Join) + len(response.Rooms.Invite) + len(response.Rooms.Leave)

	if response.DeviceOneTimeKeysCount != nil {
		e.replenishOneTimeKeys(ctx, response.DeviceOneTimeKeysCount[vault.AlgorithmOneTimeKey])
	}
	return result, nil
}

// applyToDevice decrypts direct device messages and imports the room
// keys they carry. Returns the imported session IDs so events that
// previously failed under them can be retried.
func (e *Engine) applyToDevice(ctx context.Context, events []messaging.Event) ([]ref.SessionID, error) {
	var imported []ref.SessionID
	for _, wire := range events {
		switch wire.Type {
		case ref.TypeEncrypted:
			var envelope vault.PairEnvelope
			if err := json.Unmarshal(wire.Content, &envelope); err != nil {
				e.logger.Warn("malformed to-device envelope", "sender", wire.Sender.String(), "error", err)
				continue
			}

			plaintext, err := e.vault.DecryptToDevice(ctx, &envelope)
			if err != nil {
				if isCryptoError(err) {
					e.logger.Warn("undecryptable to-device message",
						"sender_key", envelope.SenderKey.String(), "error", err)
					continue
				}
				return nil, err
			}

			var payload toDevicePayload
			if err := json.Unmarshal(plaintext, &payload); err != nil {
				e.logger.Warn("malformed to-device payload", "sender_key", envelope.SenderKey.String(), "error", err)
				continue
			}
			if payload.Type != ref.TypeRoomKey {
				continue
			}

			var key vault.RoomKey
			if err := json.Unmarshal(payload.Content, &key); err != nil {
				e.logger.Warn("malformed room key", "sender_key", envelope.SenderKey.String(), "error", err)
				continue
			}
			added, err := e.vault.ImportInboundSession(ctx, key.RoomID, envelope.SenderKey, key)
			if err != nil {
				if isCryptoError(err) {
					e.logger.Warn("rejected room key", "session_id", key.SessionID.String(), "error", err)
					continue
				}
				return nil, err
			}
			if added {
				imported = append(imported, key.SessionID)
			}

		case ref.TypeRoomKey:
			// Room keys must arrive under a pair session; a plaintext
			// one carries no authenticated sender key to index the
			// session by.
			e.logger.Warn("ignoring unencrypted room key", "sender", wire.Sender.String())
		}
	}
	return imported, nil
}

// RetrySessions re-attempts decryption of stored events pending on
// the given sessions, for callers that import session material
// outside the sync loop (a session backup restore). Returns the
// number of events upgraded.
func (e *Engine) RetrySessions(ctx context.Context, sessions []ref.SessionID) (int, error) {
	return e.retryPending(ctx, sessions)
}

// retryPending re-decrypts stored events that were waiting for the
// given sessions, upgrading them in place without moving their
// timeline positions.
func (e *Engine) retryPending(ctx context.Context, sessions []ref.SessionID) (int, error) {
	retried := 0
	for _, sessionID := range sessions {
		pending, err := e.store.PendingDecryption(ctx, sessionID)
		if err != nil {
			return retried, err
		}
		for _, event := range pending {
			var envelope vault.GroupEnvelope
			if err := codec.Unmarshal(event.Ciphertext, &envelope); err != nil {
				e.logger.Warn("stored ciphertext unreadable", "event_id", event.EventID.String(), "error", err)
				continue
			}

			eventType, content, err := e.vault.DecryptRoomEvent(ctx, event.RoomID, event.EventID, &envelope)
			if err != nil {
				if isCryptoError(err) {
					e.logger.Warn("retry decryption failed",
						"event_id", event.EventID.String(), "error", err)
					continue
				}
				return retried, err
			}

			cborContent, err := jsonToCBOR(content)
			if err != nil {
				return retried, err
			}
			if err := e.store.ResolveDecryption(ctx, event.RoomID, event.EventID, eventType, cborContent); err != nil {
				return retried, err
			}
			retried++
			e.dispatch(event.RoomID, []store.Event{upgraded(event, eventType, cborContent)})
		}
	}
	return retried, nil
}

// applyRooms applies every room section of a delta, concurrently
// across rooms up to the configured width. The first storage error
// wins; per-room work is internally transactional, so a failed
// sibling leaves no partial state behind.
func (e *Engine) applyRooms(ctx context.Context, rooms *messaging.RoomsSection) (int, error) {
	semaphore := make(chan struct{}, e.roomConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	appended := 0

	run := func(fn func() (int, error)) {
		wg.Add(1)
		semaphore <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-semaphore }()
			count, err := fn()
			mu.Lock()
			defer mu.Unlock()
			appended += count
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}()
	}

	for roomID, delta := range rooms.Join {
		run(func() (int, error) { return e.applyJoined(ctx, roomID, delta) })
	}
	for roomID := range rooms.Invite {
		run(func() (int, error) { return 0, e.store.SetMembership(ctx, roomID, "invite") })
	}
	for roomID, delta := range rooms.Leave {
		run(func() (int, error) { return e.applyLeft(ctx, roomID, delta) })
	}

	wg.Wait()
	if firstErr != nil {
		return appended, firstErr
	}
	return appended, nil
}

// applyJoined applies one joined room's delta: the state section
// first (it precedes the timeline chronologically), then the
// timeline, in a single arrival-ordered batch. A limited timeline
// registers a gap carrying the prev-batch token.
func (e *Engine) applyJoined(ctx context.Context, roomID ref.RoomID, delta messaging.JoinedRoomDelta) (int, error) {
	if err := e.store.SetMembership(ctx, roomID, "join"); err != nil {
		return 0, err
	}

	batch := make([]store.Event, 0, len(delta.State.Events)+len(delta.Timeline.Events))
	for _, wire := range delta.State.Events {
		event, ok, err := e.ingestEvent(ctx, roomID, wire)
		if err != nil {
			return 0, err
		}
		if ok {
			batch = append(batch, event)
		}
	}
	for _, wire := range delta.Timeline.Events {
		event, ok, err := e.ingestEvent(ctx, roomID, wire)
		if err != nil {
			return 0, err
		}
		if ok {
			batch = append(batch, event)
		}
	}

	prevBatch := ""
	if delta.Timeline.Limited {
		prevBatch = delta.Timeline.PrevBatch
	}

	result, err := e.store.AppendLive(ctx, roomID, batch, prevBatch)
	if err != nil {
		return 0, err
	}

	if err := e.rotateOnDepartures(ctx, roomID, result.Appended); err != nil {
		return len(result.Appended), err
	}

	e.timeline.Broadcast(roomID, result.Appended)
	e.dispatch(roomID, result.Appended)
	return len(result.Appended), nil
}

// applyLeft records the departure and stores the room's final
// timeline slice.
func (e *Engine) applyLeft(ctx context.Context, roomID ref.RoomID, delta messaging.LeftRoomDelta) (int, error) {
	if err := e.store.SetMembership(ctx, roomID, "leave"); err != nil {
		return 0, err
	}

	batch := make([]store.Event, 0, len(delta.Timeline.Events))
	for _, wire := range delta.Timeline.Events {
		event, ok, err := e.ingestEvent(ctx, roomID, wire)
		if err != nil {
			return 0, err
		}
		if ok {
			batch = append(batch, event)
		}
	}

	result, err := e.store.AppendLive(ctx, roomID, batch, "")
	if err != nil {
		return 0, err
	}
	e.timeline.Broadcast(roomID, result.Appended)
	e.dispatch(roomID, result.Appended)
	return len(result.Appended), nil
}

// ingestEvent converts a wire event for storage, attempting
// decryption of encrypted payloads. Undecryptable events are kept
// with a typed reason instead of being dropped; only storage
// failures propagate. The second return is false for events too
// malformed to store.
func (e *Engine) ingestEvent(ctx context.Context, roomID ref.RoomID, wire messaging.Event) (store.Event, bool, error) {
	event, err := store.FromWire(roomID, wire)
	if err != nil {
		e.logger.Warn("skipping malformed event", "room_id", roomID.String(), "error", err)
		return store.Event{}, false, nil
	}
	if event.Type != ref.TypeEncrypted {
		return event, true, nil
	}

	var envelope vault.GroupEnvelope
	if err := json.Unmarshal(wire.Content, &envelope); err != nil {
		event.DecryptionError = "malformed envelope"
		return event, true, nil
	}

	eventType, content, err := e.vault.DecryptRoomEvent(ctx, roomID, event.EventID, &envelope)
	if err != nil {
		if !isCryptoError(err) {
			return store.Event{}, false, err
		}
		event.DecryptionError = cryptoReason(err)
		return event, true, nil
	}

	cborContent, err := jsonToCBOR(content)
	if err != nil {
		return store.Event{}, false, err
	}
	event.Type = eventType
	event.Content = cborContent
	return event, true, nil
}

// rotateOnDepartures retires the room's outbound group session when
// a member leaves or is banned from an encrypted room, so departed
// devices cannot read past the departure.
func (e *Engine) rotateOnDepartures(ctx context.Context, roomID ref.RoomID, appended []store.Event) error {
	departed := false
	for i := range appended {
		event := &appended[i]
		if event.Type != ref.TypeMember || !event.IsState() {
			continue
		}
		content, err := event.ContentMap()
		if err != nil {
			continue
		}
		if membership, ok := content["membership"].(string); ok && (membership == "leave" || membership == "ban") {
			departed = true
			break
		}
	}
	if !departed {
		return nil
	}

	encrypted, err := e.store.IsEncrypted(ctx, roomID)
	if err != nil {
		return err
	}
	if !encrypted {
		return nil
	}
	return e.vault.RotateOutbound(ctx, roomID, vault.RotateMembershipChange)
}

// SeedOneTimeKeys tops up the one-time key supply from the locally
// tracked published count, for startup before any sync cycle has
// reported the server's count. A fresh device uploads a full
// target's worth.
func (e *Engine) SeedOneTimeKeys(ctx context.Context) error {
	published, err := e.vault.PublishedOneTimeKeyCount(ctx)
	if err != nil {
		return err
	}
	e.replenishOneTimeKeys(ctx, published)
	return nil
}

// replenishOneTimeKeys tops up the published one-time key supply
// when the server's unclaimed count drops below half the target.
// Failures are logged and retried on a later cycle; they never fault
// the sync.
func (e *Engine) replenishOneTimeKeys(ctx context.Context, serverCount int) {
	needed := e.vault.ReplenishmentNeeded(serverCount)
	if needed == 0 {
		return
	}

	keys, err := e.vault.GenerateOneTimeKeys(ctx, e.userID, e.deviceID, needed)
	if err != nil {
		e.logger.Warn("one-time key generation failed", "error", err)
		return
	}
	if _, err := e.transport.UploadKeys(ctx, messaging.UploadKeysRequest{OneTimeKeys: keys}); err != nil {
		e.logger.Warn("one-time key upload failed", "error", err)
		return
	}

	uploadIDs := make([]string, 0, len(keys))
	for uploadID := range keys {
		uploadIDs = append(uploadIDs, uploadID)
	}
	if err := e.vault.MarkOneTimeKeysPublished(ctx, uploadIDs); err != nil {
		e.logger.Warn("marking one-time keys published failed", "error", err)
		return
	}
	e.logger.Info("replenished one-time keys", "uploaded", needed, "server_count", serverCount)
}

// isCryptoError reports whether err is a per-event cryptographic
// failure rather than a storage fault.
func isCryptoError(err error) bool {
	return errors.Is(err, vault.ErrUnknownSession) ||
		errors.Is(err, vault.ErrReplayDetected) ||
		errors.Is(err, vault.ErrDecryptFailed) ||
		errors.Is(err, vault.ErrKeyExchangeFailed)
}

func cryptoReason(err error) string {
	switch {
	case errors.Is(err, vault.ErrUnknownSession):
		return "unknown session"
	case errors.Is(err, vault.ErrReplayDetected):
		return "replay detected"
	default:
		return "decryption failed"
	}
}

// jsonToCBOR transcodes decrypted JSON content into the store's
// deterministic CBOR form.
func jsonToCBOR(content json.RawMessage) (codec.RawMessage, error) {
	var decoded map[string]any
	if len(content) > 0 {
		if err := json.Unmarshal(content, &decoded); err != nil {
			return nil, fmt.Errorf("sync: decoding decrypted content: %w", err)
		}
	}
	encoded, err := codec.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("sync: encoding decrypted content: %w", err)
	}
	return encoded, nil
}

// upgraded returns the stored event with its decrypted type and
// content applied, for callback dispatch after a retry.
func upgraded(event store.Event, eventType ref.EventType, content codec.RawMessage) store.Event {
	event.Type = eventType
	event.Content = content
	event.DecryptionError = ""
	return event
}
