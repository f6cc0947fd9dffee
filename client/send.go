// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/vault"
)

// roomKeyShare is the to-device payload wrapping a room key, sealed
// into a pair session per recipient device.
type roomKeyShare struct {
	Type    ref.EventType  `json:"type"`
	Content *vault.RoomKey `json:"content"`
}

// SendEvent sends an event into a room, transparently encrypting it
// when the room's state says to. For an encrypted room the first
// send under a fresh group session fans the session key out to every
// joined member's devices before the event itself goes up.
func (c *Client) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	encrypted, err := c.store.IsEncrypted(ctx, roomID)
	if err != nil {
		return ref.EventID{}, err
	}
	if !encrypted {
		return c.session.SendEvent(ctx, roomID, eventType, content)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("client: encoding event content: %w", err)
	}

	envelope, share, err := c.vault.EncryptRoomEvent(ctx, roomID, eventType, raw)
	if err != nil {
		return ref.EventID{}, err
	}
	if share != nil {
		// The key must reach recipients before the ciphertext; a
		// failed share aborts the send rather than posting an event
		// nobody can read.
		if err := c.shareRoomKey(ctx, roomID, share); err != nil {
			return ref.EventID{}, err
		}
	}

	return c.session.SendEvent(ctx, roomID, ref.TypeEncrypted, envelope)
}

// SendMessage sends a plain text m.room.message.
func (c *Client) SendMessage(ctx context.Context, roomID ref.RoomID, body string) (ref.EventID, error) {
	return c.SendEvent(ctx, roomID, ref.TypeMessage, map[string]any{
		"msgtype": "m.text",
		"body":    body,
	})
}

// EnableEncryption turns on encryption for a room. The store's latch
// makes this irreversible once the event syncs back.
func (c *Client) EnableEncryption(ctx context.Context, roomID ref.RoomID) (ref.EventID, error) {
	return c.session.SendStateEvent(ctx, roomID, ref.TypeEncryption, "", map[string]any{
		"algorithm": vault.AlgorithmGroup,
	})
}

// shareRoomKey distributes a fresh group session key to every joined
// member's devices: query their device keys, claim one-time keys for
// devices we have no pair session with, then seal the room key to
// each device individually.
func (c *Client) shareRoomKey(ctx context.Context, roomID ref.RoomID, share *vault.RoomKey) error {
	members, err := c.store.Members(ctx, roomID, "join")
	if err != nil {
		return err
	}
	if len(members) == 0 {
		// Local state may not be synced yet. Without a member list
		// there is nobody to share with; recipients recover via the
		// next session rotation.
		c.logger.Warn("no joined members known, skipping key share", "room_id", roomID.String())
		return nil
	}

	query := make(map[ref.UserID][]ref.DeviceID, len(members))
	for _, userID := range members {
		query[userID] = nil
	}
	keysResponse, err := c.session.QueryKeys(ctx, query)
	if err != nil {
		return fmt.Errorf("client: querying device keys: %w", err)
	}

	type recipient struct {
		userID   ref.UserID
		deviceID ref.DeviceID
		identity ref.Curve25519
	}
	var recipients []recipient
	needClaim := make(map[ref.UserID][]ref.DeviceID)

	for userID, devices := range keysResponse.DeviceKeys {
		for deviceID, deviceKeys := range devices {
			if userID == c.session.UserID() && deviceID == c.session.DeviceID() {
				continue
			}
			if err := c.vault.VerifyDeviceKeys(&deviceKeys); err != nil {
				c.logger.Warn("rejecting device with bad key signature",
					"user_id", userID.String(), "device_id", deviceID.String(), "error", err)
				continue
			}
			identityRaw, ok := deviceKeys.Keys["curve25519:"+deviceID.String()]
			if !ok {
				continue
			}
			identity, err := ref.ParseCurve25519(identityRaw)
			if err != nil {
				c.logger.Warn("rejecting device with malformed identity key",
					"user_id", userID.String(), "device_id", deviceID.String(), "error", err)
				continue
			}

			recipients = append(recipients, recipient{userID, deviceID, identity})
			hasSession, err := c.vault.HasPairSession(ctx, identity)
			if err != nil {
				return err
			}
			if !hasSession {
				needClaim[userID] = append(needClaim[userID], deviceID)
			}
		}
	}

	if len(needClaim) > 0 {
		claimed, err := c.session.ClaimKeys(ctx, needClaim)
		if err != nil {
			return fmt.Errorf("client: claiming one-time keys: %w", err)
		}
		for _, r := range recipients {
			perDevice, ok := claimed.OneTimeKeys[r.userID][r.deviceID]
			if !ok {
				continue
			}
			for uploadID, key := range perDevice {
				keyID := strings.TrimPrefix(uploadID, vault.AlgorithmOneTimeKey+":")
				if _, err := c.vault.EnsurePairSession(ctx, r.identity, keyID, key.Key); err != nil {
					c.logger.Warn("pair session establishment failed",
						"user_id", r.userID.String(), "device_id", r.deviceID.String(), "error", err)
				}
				break
			}
		}
	}

	messages := make(map[ref.UserID]map[ref.DeviceID]any)
	shared := 0
	for _, r := range recipients {
		sealed, err := c.vault.EncryptToDevice(ctx, r.identity, roomKeyShare{
			Type:    ref.TypeRoomKey,
			Content: share,
		})
		if err != nil {
			// A device without a session (no one-time keys left) is
			// skipped; it recovers on the next rotation.
			c.logger.Warn("room key not shared to device",
				"user_id", r.userID.String(), "device_id", r.deviceID.String(), "error", err)
			continue
		}
		if messages[r.userID] == nil {
			messages[r.userID] = make(map[ref.DeviceID]any)
		}
		messages[r.userID][r.deviceID] = sealed
		shared++
	}

	if shared == 0 {
		return nil
	}
	if err := c.session.SendToDevice(ctx, ref.TypeEncrypted, messages); err != nil {
		return fmt.Errorf("client: sending room key shares: %w", err)
	}
	c.logger.Debug("shared room key",
		"room_id", roomID.String(),
		"session_id", share.SessionID.String(),
		"devices", shared)
	return nil
}
