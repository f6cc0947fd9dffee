// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loom-im/loom/lib/ref"
)

// newTestSession starts an httptest server with the given handler
// and returns an authenticated Session pointed at it.
func newTestSession(t *testing.T, handler http.Handler) *Session {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	deviceID, _ := ref.ParseDeviceID("DEVICE1")
	session, err := client.SessionFromToken(
		ref.MustParseUserID("@alice:loom.local"), deviceID, "syt_test_token")
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestSync(t *testing.T) {
	var gotAuth, gotSince, gotTimeout string
	session := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/sync" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotSince = r.URL.Query().Get("since")
		gotTimeout = r.URL.Query().Get("timeout")
		json.NewEncoder(w).Encode(map[string]any{
			"next_batch": "s2",
			"rooms": map[string]any{
				"join": map[string]any{
					"!r:loom.local": map[string]any{
						"timeline": map[string]any{
							"events": []map[string]any{{
								"type":     "m.room.message",
								"event_id": "$e1",
								"sender":   "@bob:loom.local",
								"content":  map[string]any{"body": "hi", "msgtype": "m.text"},
							}},
							"limited":    true,
							"prev_batch": "p1",
						},
					},
				},
			},
		})
	}))

	response, err := session.Sync(context.Background(), SyncOptions{
		Since:   "s1",
		Timeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if gotAuth != "Bearer syt_test_token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotSince != "s1" || gotTimeout != "30000" {
		t.Errorf("query since=%q timeout=%q", gotSince, gotTimeout)
	}
	if response.NextBatch != "s2" {
		t.Errorf("NextBatch = %q", response.NextBatch)
	}

	delta, ok := response.Rooms.Join[ref.MustParseRoomID("!r:loom.local")]
	if !ok {
		t.Fatalf("joined room missing: %+v", response.Rooms.Join)
	}
	if !delta.Timeline.Limited || delta.Timeline.PrevBatch != "p1" {
		t.Errorf("timeline = %+v", delta.Timeline)
	}
	if len(delta.Timeline.Events) != 1 || delta.Timeline.Events[0].Type != ref.TypeMessage {
		t.Errorf("events = %+v", delta.Timeline.Events)
	}
	if delta.Timeline.Events[0].IsState() {
		t.Error("message event classified as state")
	}
}

func TestSendEvent(t *testing.T) {
	var paths []string
	session := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %q, want PUT", r.Method)
		}
		paths = append(paths, r.URL.EscapedPath())
		json.NewEncoder(w).Encode(map[string]any{"event_id": "$sent1"})
	}))

	roomID := ref.MustParseRoomID("!r:loom.local")
	eventID, err := session.SendEvent(context.Background(), roomID, ref.TypeMessage,
		map[string]any{"body": "hello", "msgtype": "m.text"})
	if err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if eventID.String() != "$sent1" {
		t.Errorf("eventID = %q", eventID)
	}

	// Room IDs contain '!' and ':'; the path must carry them escaped.
	if !strings.Contains(paths[0], "%21r:loom.local") && !strings.Contains(paths[0], "%21r%3Aloom.local") {
		t.Errorf("room ID not escaped in path: %q", paths[0])
	}

	// A second send must use a different transaction ID.
	if _, err := session.SendEvent(context.Background(), roomID, ref.TypeMessage,
		map[string]any{"body": "again", "msgtype": "m.text"}); err != nil {
		t.Fatalf("second SendEvent: %v", err)
	}
	if paths[0] == paths[1] {
		t.Errorf("transaction ID reused: %q", paths[0])
	}
}

func TestSendStateEvent(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/state/m.room.name/") {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"event_id": "$state1"})
	}))

	eventID, err := session.SendStateEvent(context.Background(),
		ref.MustParseRoomID("!r:loom.local"), ref.TypeName, "", map[string]any{"name": "ops"})
	if err != nil {
		t.Fatalf("SendStateEvent: %v", err)
	}
	if eventID.String() != "$state1" {
		t.Errorf("eventID = %q", eventID)
	}
}

func TestRoomMessages(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("dir") != "b" {
			t.Errorf("dir = %q, want default b", query.Get("dir"))
		}
		if query.Get("from") != "p1" || query.Get("limit") != "50" {
			t.Errorf("query = %v", query)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"chunk": []map[string]any{{
				"type":     "m.room.message",
				"event_id": "$old1",
				"sender":   "@bob:loom.local",
				"content":  map[string]any{"body": "older", "msgtype": "m.text"},
			}},
			"start": "p1",
			"end":   "p2",
		})
	}))

	response, err := session.RoomMessages(context.Background(),
		ref.MustParseRoomID("!r:loom.local"), RoomMessagesOptions{From: "p1", Limit: 50})
	if err != nil {
		t.Fatalf("RoomMessages: %v", err)
	}
	if response.End != "p2" || len(response.Chunk) != 1 {
		t.Errorf("response = %+v", response)
	}
}

func TestMatrixErrorSurfaced(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"errcode":        "M_LIMIT_EXCEEDED",
			"error":          "Too many requests",
			"retry_after_ms": 2000,
		})
	}))

	_, err := session.Sync(context.Background(), SyncOptions{})
	if err == nil {
		t.Fatal("Sync succeeded against rate-limited server")
	}

	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		t.Fatalf("error %T is not *MatrixError", err)
	}
	if matrixErr.Code != ErrCodeLimitExceeded || matrixErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("matrixErr = %+v", matrixErr)
	}
	if matrixErr.RetryAfterMS != 2000 {
		t.Errorf("RetryAfterMS = %d", matrixErr.RetryAfterMS)
	}
	if !IsMatrixError(err, ErrCodeLimitExceeded) {
		t.Error("IsMatrixError(M_LIMIT_EXCEEDED) = false")
	}
}

func TestUploadKeys(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request UploadKeysRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decoding upload body: %v", err)
		}
		if len(request.OneTimeKeys) != 2 {
			t.Errorf("one_time_keys count = %d", len(request.OneTimeKeys))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"one_time_key_counts": map[string]int{"signed_curve25519": 2},
		})
	}))

	counts, err := session.UploadKeys(context.Background(), UploadKeysRequest{
		OneTimeKeys: map[string]OneTimeKey{
			"signed_curve25519:k1": {Key: "AAAA"},
			"signed_curve25519:k2": {Key: "BBBB"},
		},
	})
	if err != nil {
		t.Fatalf("UploadKeys: %v", err)
	}
	if counts["signed_curve25519"] != 2 {
		t.Errorf("counts = %v", counts)
	}
}

func TestSendToDevice(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	session := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("{}"))
	}))

	deviceID, _ := ref.ParseDeviceID("BOBDEV")
	err := session.SendToDevice(context.Background(), ref.TypeRoomKey,
		map[ref.UserID]map[ref.DeviceID]any{
			ref.MustParseUserID("@bob:loom.local"): {
				deviceID: map[string]any{"session_id": "sess1"},
			},
		})
	if err != nil {
		t.Fatalf("SendToDevice: %v", err)
	}

	if !strings.HasPrefix(gotPath, "/_matrix/client/v3/sendToDevice/m.room_key/") {
		t.Errorf("path = %q", gotPath)
	}
	messages := gotBody["messages"].(map[string]any)
	if _, ok := messages["@bob:loom.local"]; !ok {
		t.Errorf("messages = %v", messages)
	}
}
