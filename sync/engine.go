// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loom-im/loom/lib/clock"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/messaging"
	"github.com/loom-im/loom/store"
	"github.com/loom-im/loom/timeline"
	"github.com/loom-im/loom/vault"
)

// ErrSyncInProgress is returned by Once when a cycle is already in
// flight.
var ErrSyncInProgress = errors.New("sync: cycle already in flight")

// State is the engine's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateSyncing
	StateApplying
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateApplying:
		return "applying"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport is the homeserver surface the engine consumes.
// *messaging.Session implements it.
type Transport interface {
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
	UploadKeys(ctx context.Context, request messaging.UploadKeysRequest) (map[string]int, error)
}

// Config holds parameters for an Engine.
type Config struct {
	Transport Transport
	Store     *store.Store
	Vault     *vault.Vault
	Timeline  *timeline.Timeline
	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
	// Clock drives retry backoff. Nil means the system clock.
	Clock clock.Clock

	// UserID and DeviceID identify this account for key uploads.
	UserID   ref.UserID
	DeviceID ref.DeviceID

	// PollTimeout is the server-side long-poll duration. Zero means
	// 30 seconds.
	PollTimeout time.Duration
	// RetryMin and RetryMax bound the backoff between failed cycles
	// in RunForever. Zero means 1s and 5m.
	RetryMin time.Duration
	RetryMax time.Duration
	// RoomConcurrency caps how many rooms apply in parallel within
	// one cycle. Zero means 4.
	RoomConcurrency int
	// Filter is an inline sync filter JSON string or a server filter
	// ID, passed through to /sync.
	Filter string
}

// SyncResult summarizes one applied delta.
type SyncResult struct {
	// NextBatch is the cursor persisted at the end of the cycle.
	NextBatch string
	// Rooms counts room sections applied.
	Rooms int
	// Appended counts events newly stored across all rooms.
	Appended int
	// KeysImported counts inbound group sessions added from
	// to-device messages.
	KeysImported int
	// Retried counts previously undecryptable events resolved by
	// keys that arrived this cycle.
	Retried int
}

// Engine orchestrates sync cycles. Safe for concurrent use; cycles
// themselves are mutually exclusive.
type Engine struct {
	transport Transport
	store     *store.Store
	vault     *vault.Vault
	timeline  *timeline.Timeline
	logger    *slog.Logger
	clock     clock.Clock

	userID   ref.UserID
	deviceID ref.DeviceID

	pollTimeout     time.Duration
	retryMin        time.Duration
	retryMax        time.Duration
	roomConcurrency int
	filter          string

	busy  atomic.Bool
	state atomic.Int32

	mu       sync.Mutex
	lastErr  error
	handlers map[ref.EventType][]Handler
}

// New builds an Engine. Transport, Store, Vault, and Timeline are
// required.
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil || cfg.Store == nil || cfg.Vault == nil || cfg.Timeline == nil {
		return nil, fmt.Errorf("sync: Config requires Transport, Store, Vault, and Timeline")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	engine := &Engine{
		transport:       cfg.Transport,
		store:           cfg.Store,
		vault:           cfg.Vault,
		timeline:        cfg.Timeline,
		logger:          logger,
		clock:           clk,
		userID:          cfg.UserID,
		deviceID:        cfg.DeviceID,
		pollTimeout:     cfg.PollTimeout,
		retryMin:        cfg.RetryMin,
		retryMax:        cfg.RetryMax,
		roomConcurrency: cfg.RoomConcurrency,
		filter:          cfg.Filter,
		handlers:        make(map[ref.EventType][]Handler),
	}
	if engine.pollTimeout == 0 {
		engine.pollTimeout = 30 * time.Second
	}
	if engine.retryMin == 0 {
		engine.retryMin = time.Second
	}
	if engine.retryMax == 0 {
		engine.retryMax = 5 * time.Minute
	}
	if engine.roomConcurrency == 0 {
		engine.roomConcurrency = 4
	}
	return engine, nil
}

// State returns the engine's current lifecycle position.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// LastError returns the error that faulted the engine, or nil.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Engine) fault(err error) error {
	e.setState(StateFaulted)
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	e.logger.Error("sync cycle faulted", "error", err)
	return err
}

// Once runs a single sync cycle: request the delta anchored at the
// persisted cursor, apply it, advance the cursor. A concurrent call
// is rejected with ErrSyncInProgress. A transport failure leaves the
// engine Idle with no progress; a storage failure leaves it Faulted
// with the cursor unadvanced, and the next call safely retries the
// same delta.
func (e *Engine) Once(ctx context.Context) (*SyncResult, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.busy.Store(false)

	e.setState(StateSyncing)
	since, err := e.store.SyncToken(ctx)
	if err != nil {
		return nil, e.fault(fmt.Errorf("sync: reading cursor: %w", err))
	}

	response, err := e.transport.Sync(ctx, messaging.SyncOptions{
		Since:   since,
		Timeout: e.pollTimeout,
		Filter:  e.filter,
	})
	if err != nil {
		// No delta this cycle. Nothing was applied, so the engine is
		// cleanly Idle and the caller retries with backoff.
		e.setState(StateIdle)
		return nil, fmt.Errorf("sync: requesting delta: %w", err)
	}

	e.setState(StateApplying)
	result, err := e.apply(ctx, response)
	if err != nil {
		return nil, e.fault(err)
	}

	if err := e.store.SetSyncToken(ctx, response.NextBatch); err != nil {
		return nil, e.fault(fmt.Errorf("sync: persisting cursor: %w", err))
	}
	result.NextBatch = response.NextBatch

	e.setState(StateIdle)
	e.mu.Lock()
	e.lastErr = nil
	e.mu.Unlock()

	e.logger.Debug("sync cycle applied",
		"next_batch", result.NextBatch,
		"rooms", result.Rooms,
		"appended", result.Appended,
		"keys_imported", result.KeysImported,
		"retried", result.Retried)
	return result, nil
}

// RunForever repeatedly invokes Once until ctx is cancelled. The
// long poll itself paces successful cycles; failures back off
// exponentially between RetryMin and RetryMax, and a rate-limit
// response with an explicit retry delay is honored as given.
func (e *Engine) RunForever(ctx context.Context) error {
	delay := e.retryMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := e.Once(ctx)
		if err == nil {
			delay = e.retryMin
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		wait := delay
		var matrixErr *messaging.MatrixError
		if errors.As(err, &matrixErr) && matrixErr.RetryAfterMS > 0 {
			wait = time.Duration(matrixErr.RetryAfterMS) * time.Millisecond
		}
		e.logger.Warn("sync cycle failed, backing off", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(wait):
		}

		delay *= 2
		if delay > e.retryMax {
			delay = e.retryMax
		}
	}
}
