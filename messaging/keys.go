// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/loom-im/loom/lib/ref"
)

// UploadKeys publishes device keys and one-time keys. The server
// returns the count of unclaimed one-time keys remaining per
// algorithm; the vault uses that to decide when to replenish.
func (s *Session) UploadKeys(ctx context.Context, request UploadKeysRequest) (map[string]int, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: upload keys: %w", err)
	}

	var response struct {
		OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: parsing upload keys response: %w", err)
	}
	return response.OneTimeKeyCounts, nil
}

// QueryKeys fetches the current device keys for the given users. An
// empty device list for a user means all of that user's devices.
func (s *Session) QueryKeys(ctx context.Context, devices map[ref.UserID][]ref.DeviceID) (*QueryKeysResponse, error) {
	deviceKeys := make(map[string][]string, len(devices))
	for userID, deviceIDs := range devices {
		ids := make([]string, 0, len(deviceIDs))
		for _, deviceID := range deviceIDs {
			ids = append(ids, deviceID.String())
		}
		deviceKeys[userID.String()] = ids
	}

	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", s.accessToken,
		map[string]any{"device_keys": deviceKeys})
	if err != nil {
		return nil, fmt.Errorf("messaging: query keys: %w", err)
	}

	var response QueryKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: parsing query keys response: %w", err)
	}
	return &response, nil
}

// ClaimKeys claims one one-time key per listed device, for
// establishing pair sessions with them.
func (s *Session) ClaimKeys(ctx context.Context, devices map[ref.UserID][]ref.DeviceID) (*ClaimKeysResponse, error) {
	oneTimeKeys := make(map[string]map[string]string)
	for userID, deviceIDs := range devices {
		perDevice := make(map[string]string, len(deviceIDs))
		for _, deviceID := range deviceIDs {
			perDevice[deviceID.String()] = "signed_curve25519"
		}
		oneTimeKeys[userID.String()] = perDevice
	}

	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", s.accessToken,
		map[string]any{"one_time_keys": oneTimeKeys})
	if err != nil {
		return nil, fmt.Errorf("messaging: claim keys: %w", err)
	}

	var response ClaimKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: parsing claim keys response: %w", err)
	}
	return &response, nil
}

// SendToDevice delivers direct device-to-device events (room key
// shares, key requests). Uses an idempotent PUT with a transaction
// ID, like room sends.
func (s *Session) SendToDevice(ctx context.Context, eventType ref.EventType, messages map[ref.UserID]map[ref.DeviceID]any) error {
	wire := make(map[string]map[string]any, len(messages))
	for userID, perDevice := range messages {
		inner := make(map[string]any, len(perDevice))
		for deviceID, content := range perDevice {
			inner[deviceID.String()] = content
		}
		wire[userID.String()] = inner
	}

	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s",
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken,
		map[string]any{"messages": wire}); err != nil {
		return fmt.Errorf("messaging: send to-device %s: %w", eventType, err)
	}
	return nil
}
