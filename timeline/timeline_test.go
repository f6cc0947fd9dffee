// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/lib/testutil"
	"github.com/loom-im/loom/messaging"
	"github.com/loom-im/loom/store"
)

var testRoom = ref.MustParseRoomID("!history:loom.local")

// fakePaginator serves canned /messages pages keyed by the From
// token and counts how often it is queried.
type fakePaginator struct {
	mu    sync.Mutex
	calls int
	pages map[string]*messaging.RoomMessagesResponse
}

func (p *fakePaginator) RoomMessages(ctx context.Context, roomID ref.RoomID, options messaging.RoomMessagesOptions) (*messaging.RoomMessagesResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	page, ok := p.pages[options.From]
	if !ok {
		return nil, fmt.Errorf("no page for token %q", options.From)
	}
	return page, nil
}

func (p *fakePaginator) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func wireMessage(body string) messaging.Event {
	return messaging.Event{
		Type:    ref.TypeMessage,
		EventID: ref.MustParseEventID("$" + testutil.UniqueID("wire")),
		Sender:  ref.MustParseUserID("@bob:loom.local"),
		Content: json.RawMessage(fmt.Sprintf(`{"body":%q,"msgtype":"m.text"}`, body)),
	}
}

func openTestTimeline(t *testing.T, paginator Paginator) (*Timeline, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "timeline.db")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	timeline, err := New(Config{Store: s, Paginator: paginator, PageSize: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return timeline, s
}

// seedLiveWithGap appends count live events behind a gap carrying
// prevBatch, as a limited sync delta would.
func seedLiveWithGap(t *testing.T, s *store.Store, count int, prevBatch string) {
	t.Helper()
	events := make([]store.Event, 0, count)
	for i := 0; i < count; i++ {
		event, err := store.FromWire(testRoom, wireMessage(fmt.Sprintf("live %d", i)))
		if err != nil {
			t.Fatalf("FromWire: %v", err)
		}
		events = append(events, event)
	}
	if _, err := s.AppendLive(context.Background(), testRoom, events, prevBatch); err != nil {
		t.Fatalf("AppendLive: %v", err)
	}
}

func TestLoadHistoryFillsGap(t *testing.T) {
	paginator := &fakePaginator{pages: map[string]*messaging.RoomMessagesResponse{
		"t1": {
			Chunk: []messaging.Event{wireMessage("old 3"), wireMessage("old 2"), wireMessage("old 1")},
			End:   "t2",
		},
	}}
	timeline, s := openTestTimeline(t, paginator)
	seedLiveWithGap(t, s, 2, "t1")

	events, err := timeline.LoadHistory(context.Background(), testRoom, 5)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	if paginator.callCount() != 1 {
		t.Errorf("paginator queried %d times, want 1", paginator.callCount())
	}

	// Timeline order: the page's oldest event first, live events
	// last.
	for i := 1; i < len(events); i++ {
		if events[i].Position <= events[i-1].Position {
			t.Fatalf("events out of order: %v", events)
		}
	}
	content, err := events[0].ContentMap()
	if err != nil {
		t.Fatalf("ContentMap: %v", err)
	}
	if content["body"] != "old 1" {
		t.Errorf("oldest event body = %v", content["body"])
	}

	// The gap advanced to t2; one more gap remains to fill.
	gaps, err := s.Gaps(context.Background(), testRoom)
	if err != nil {
		t.Fatalf("Gaps: %v", err)
	}
	if len(gaps) != 1 || gaps[0].PrevBatch != "t2" {
		t.Errorf("gaps = %v", gaps)
	}
}

func TestLoadHistoryStopsAtRoomStart(t *testing.T) {
	paginator := &fakePaginator{pages: map[string]*messaging.RoomMessagesResponse{
		"t1": {
			Chunk: []messaging.Event{wireMessage("old 3"), wireMessage("old 2"), wireMessage("old 1")},
			End:   "t2",
		},
		// Empty page without an end token: the server has nothing
		// before t2.
		"t2": {},
	}}
	timeline, s := openTestTimeline(t, paginator)
	seedLiveWithGap(t, s, 2, "t1")

	events, err := timeline.LoadHistory(context.Background(), testRoom, 1000)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want all 5", len(events))
	}
	queriesAfterFirst := paginator.callCount()

	// The terminal marker is persisted: scrolling again serves from
	// storage without touching the server.
	again, err := timeline.LoadHistory(context.Background(), testRoom, 1000)
	if err != nil {
		t.Fatalf("second LoadHistory: %v", err)
	}
	if len(again) != 5 {
		t.Fatalf("second call got %d events, want 5", len(again))
	}
	if paginator.callCount() != queriesAfterFirst {
		t.Errorf("paginator re-queried after start of room: %d -> %d",
			queriesAfterFirst, paginator.callCount())
	}

	rooms, err := s.Rooms(context.Background())
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 1 || !rooms[0].StartReached {
		t.Errorf("start_reached not persisted: %+v", rooms)
	}
}

func TestLoadHistoryServedLocally(t *testing.T) {
	paginator := &fakePaginator{pages: map[string]*messaging.RoomMessagesResponse{}}
	timeline, s := openTestTimeline(t, paginator)
	seedLiveWithGap(t, s, 3, "")

	events, err := timeline.LoadHistory(context.Background(), testRoom, 2)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if paginator.callCount() != 0 {
		t.Errorf("paginator queried for a locally satisfiable load")
	}
}

func TestTailDelivery(t *testing.T) {
	timeline, s := openTestTimeline(t, &fakePaginator{})
	seedLiveWithGap(t, s, 0, "")

	tail := timeline.Tail(testRoom, 8)
	defer tail.Close()

	event, err := store.FromWire(testRoom, wireMessage("live"))
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	timeline.Broadcast(testRoom, []store.Event{event})

	received := testutil.RequireReceive(t, tail.C, time.Second, "tail event")
	if received.EventID != event.EventID {
		t.Errorf("received %s, want %s", received.EventID, event.EventID)
	}

	t.Run("other rooms do not leak in", func(t *testing.T) {
		otherRoom := ref.MustParseRoomID("!elsewhere:loom.local")
		other, err := store.FromWire(otherRoom, wireMessage("noise"))
		if err != nil {
			t.Fatalf("FromWire: %v", err)
		}
		timeline.Broadcast(otherRoom, []store.Event{other})
		select {
		case unexpected := <-tail.C:
			t.Fatalf("received cross-room event %s", unexpected.EventID)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestTailFromResumesAtPosition(t *testing.T) {
	ctx := context.Background()
	timeline, s := openTestTimeline(t, &fakePaginator{})
	seedLiveWithGap(t, s, 3, "")

	stored, err := s.Recent(ctx, testRoom, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}

	// Resume from the first event: the two already-stored successors
	// come back as catch-up.
	catchUp, tail, err := timeline.TailFrom(ctx, testRoom, stored[0].Position, 8)
	if err != nil {
		t.Fatalf("TailFrom: %v", err)
	}
	defer tail.Close()
	if len(catchUp) != 2 {
		t.Fatalf("catch-up returned %d events, want 2", len(catchUp))
	}
	if catchUp[0].EventID != stored[1].EventID || catchUp[1].EventID != stored[2].EventID {
		t.Errorf("catch-up order wrong: %v", catchUp)
	}

	// Events at or below the catch-up window are not re-delivered.
	timeline.Broadcast(testRoom, stored)
	select {
	case duplicate := <-tail.C:
		t.Fatalf("received already caught-up event %s", duplicate.EventID)
	case <-time.After(50 * time.Millisecond):
	}

	// Fresh appends flow through the tail as usual.
	event, err := store.FromWire(testRoom, wireMessage("after resume"))
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	result, err := s.AppendLive(ctx, testRoom, []store.Event{event}, "")
	if err != nil {
		t.Fatalf("AppendLive: %v", err)
	}
	timeline.Broadcast(testRoom, result.Appended)

	received := testutil.RequireReceive(t, tail.C, time.Second, "resumed tail event")
	if received.EventID != event.EventID {
		t.Errorf("received %s, want %s", received.EventID, event.EventID)
	}

	t.Run("up-to-date position has no catch-up", func(t *testing.T) {
		catchUp, fresh, err := timeline.TailFrom(ctx, testRoom, received.Position, 8)
		if err != nil {
			t.Fatalf("TailFrom: %v", err)
		}
		defer fresh.Close()
		if len(catchUp) != 0 {
			t.Errorf("catch-up returned %d events from the newest position, want 0", len(catchUp))
		}
	})
}

func TestTailLagDropsSubscriber(t *testing.T) {
	timeline, _ := openTestTimeline(t, &fakePaginator{})

	tail := timeline.Tail(testRoom, 1)

	events := make([]store.Event, 3)
	for i := range events {
		event, err := store.FromWire(testRoom, wireMessage(fmt.Sprintf("burst %d", i)))
		if err != nil {
			t.Fatalf("FromWire: %v", err)
		}
		events[i] = event
	}
	timeline.Broadcast(testRoom, events)

	// One buffered event, then the closed channel.
	testutil.RequireReceive(t, tail.C, time.Second, "buffered event")
	testutil.RequireClosed(t, tail.C, time.Second, "lagged tail channel")
	if !errors.Is(tail.Err(), ErrTailLagged) {
		t.Errorf("Err = %v, want ErrTailLagged", tail.Err())
	}
}
