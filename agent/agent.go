// Package agent provides a reference device agent for the sync server.
//
// # Agent Lifecycle
//
//  1. Load configuration
//  2. Register built-in action executors
//  3. Connect over WebSocket (or poll /sync over HTTP)
//  4. Execute delivered actions, at most once per action id
//  5. Report results, acks and log lines on the next sync
//  6. Run until shutdown signal
//
// When the WebSocket drops, the agent keeps syncing over HTTP until it can
// reconnect.
package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pilot-net/actionsync/agent/internal/config"
	"github.com/pilot-net/actionsync/agent/internal/executor"
	"github.com/pilot-net/actionsync/pkg/client"
	"github.com/pilot-net/actionsync/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// ErrUnauthorized is returned by Run when the server rejects the device token.
var ErrUnauthorized = errors.New("device token rejected")

// maxFollowUps bounds the immediate re-syncs made to report fresh results.
const maxFollowUps = 3

// Stats counts what the agent has done since start.
type Stats struct {
	Syncs          int `json:"syncs"`
	Executed       int `json:"executed"`
	Duplicates     int `json:"duplicates"`
	PendingResults int `json:"pending_results"`
}

// Agent is the device-side sync client.
type Agent struct {
	cfg      *config.Config
	client   *client.Client
	registry *executor.Registry
	dialer   *websocket.Dialer
	logger   *slog.Logger

	mu      sync.Mutex
	results []types.ResultEntry // not yet reported
	acks    []string
	logs    []any
	seen    map[string]time.Time // executed action ids
	stats   Stats
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	logger = logger.With("component", "agent", "device_id", cfg.Device.ID)

	// Create executor registry
	registry := executor.NewRegistry()
	if err := executor.RegisterBuiltins(registry, logger); err != nil {
		return nil, fmt.Errorf("registering executors: %w", err)
	}
	executor.RegisterOptional(registry, logger)
	logger.Info("executor registry ready", "actions", registry.List())

	var tlsConfig *tls.Config
	if cfg.Server.InsecureSkipVerify {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	// Create sync server client
	httpClient := &http.Client{
		Timeout:   cfg.Server.RequestTimeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
	syncClient := client.NewClient(client.Config{
		BaseURL:     cfg.Server.URL,
		DeviceToken: cfg.Server.Token,
		HTTPClient:  httpClient,
	})

	return &Agent{
		cfg:      cfg,
		client:   syncClient,
		registry: registry,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  tlsConfig,
		},
		logger: logger,
		seen:   make(map[string]time.Time),
	}, nil
}

// Registry returns the executor registry so callers can add actions before Run.
func (a *Agent) Registry() *executor.Registry {
	return a.registry
}

// Stats returns a snapshot of the agent counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.PendingResults = len(a.results)
	return s
}

// Run syncs with the server and blocks until ctx is cancelled or the
// server rejects the device token.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"version", Version,
		"server", a.cfg.Server.URL,
		"transport", a.cfg.Server.Transport)
	a.Log(types.LogLevelInfo, "agent started ("+Version+")")

	if a.cfg.Server.Transport == config.TransportHTTP {
		return a.runPolling(ctx)
	}

	for {
		err := a.runWebSocket(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		a.logger.Warn("websocket unavailable, syncing over http", "error", err)

		// Keep actions flowing over HTTP while the socket is down.
		if err := a.syncNow(ctx); errors.Is(err, ErrUnauthorized) {
			return err
		} else if err != nil {
			a.logger.Debug("http sync failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.Sync.ReconnectDelay):
		}
	}
}

// Log queues a diagnostic line for the next sync.
func (a *Agent) Log(level, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, map[string]any{"level": level, "text": text})
}

// =============================================================================
// HTTP POLLING
// =============================================================================

// runPolling syncs over HTTP every poll interval.
func (a *Agent) runPolling(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Sync.PollInterval)
	defer ticker.Stop()

	for {
		if err := a.syncNow(ctx); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("sync failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// syncNow performs one HTTP sync, then re-syncs immediately while fresh
// results are waiting to be reported.
func (a *Agent) syncNow(ctx context.Context) error {
	if err := a.SyncOnce(ctx); err != nil {
		return err
	}
	for i := 0; i < maxFollowUps && a.hasPending(); i++ {
		if err := a.SyncOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SyncOnce performs a single HTTP sync: report pending state, then execute
// whatever actions come back.
func (a *Agent) SyncOnce(ctx context.Context) error {
	req, sent := a.snapshot()
	resp, err := a.client.Sync(ctx, req)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return err
	}
	a.commit(sent)
	a.handleActions(ctx, resp.Actions)
	return nil
}

// =============================================================================
// WEBSOCKET
// =============================================================================

// wsReply is any frame the server sends on the socket: a sync reply, a push
// or an error.
type wsReply struct {
	OK      bool           `json:"ok"`
	Type    string         `json:"type"`
	Error   string         `json:"error"`
	Code    int            `json:"code"`
	Actions []types.Action `json:"actions"`
}

// runWebSocket holds one socket open until it fails or ctx ends.
func (a *Agent) runWebSocket(ctx context.Context) error {
	wsURL, err := websocketURL(a.cfg.Server.URL)
	if err != nil {
		return err
	}
	conn, _, err := a.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	a.logger.Info("websocket connected", "url", wsURL)

	// Reads block, so ctx cancellation closes the socket to unblock them.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Snapshot, write and commit happen under one lock so concurrent sends
	// never carry the same entries twice.
	var sendMu sync.Mutex
	send := func() error {
		sendMu.Lock()
		defer sendMu.Unlock()
		req, sent := a.snapshot()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(req); err != nil {
			return err
		}
		a.commit(sent)
		return nil
	}

	// Keepalive syncs report info and logs even when nothing is pushed.
	var wg sync.WaitGroup
	defer func() {
		close(done)
		conn.Close()
		wg.Wait()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(a.cfg.Sync.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := send(); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	if err := send(); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}

		var reply wsReply
		if err := json.Unmarshal(data, &reply); err != nil {
			a.logger.Warn("unreadable frame", "error", err)
			continue
		}
		if !reply.OK {
			if reply.Code == http.StatusUnauthorized {
				return fmt.Errorf("%w: %s", ErrUnauthorized, reply.Error)
			}
			a.logger.Warn("sync rejected", "error", reply.Error, "code", reply.Code)
			continue
		}

		a.handleActions(ctx, reply.Actions)
		if a.hasPending() {
			if err := send(); err != nil {
				return err
			}
		}
	}
}

// websocketURL maps the server base URL to its /ws endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// =============================================================================
// ACTIONS
// =============================================================================

// handleActions executes delivered actions in order. An action already
// executed is acknowledged again instead of being run twice.
func (a *Agent) handleActions(ctx context.Context, actions []types.Action) {
	for _, act := range actions {
		if act.ID == "" {
			continue
		}

		a.mu.Lock()
		if _, dup := a.seen[act.ID]; dup {
			a.acks = append(a.acks, act.ID)
			a.stats.Duplicates++
			a.mu.Unlock()
			a.logger.Debug("duplicate delivery acknowledged", "action_id", act.ID, "action", act.Action)
			continue
		}
		a.seen[act.ID] = time.Now()
		a.mu.Unlock()

		start := time.Now()
		data, err := a.registry.Execute(ctx, act.Action, act.Payload)
		entry := types.ResultEntry{
			ID:     act.ID,
			OK:     err == nil,
			Action: act.Action,
			Data:   data,
		}
		if err != nil {
			entry.Error = err.Error()
		}

		a.mu.Lock()
		a.results = append(a.results, entry)
		a.stats.Executed++
		if err != nil {
			a.logs = append(a.logs, map[string]any{
				"level": types.LogLevelError,
				"text":  fmt.Sprintf("%s %s failed: %v", act.Action, act.ID, err),
			})
		}
		a.mu.Unlock()

		a.logger.Info("action executed",
			"action_id", act.ID,
			"action", act.Action,
			"ok", entry.OK,
			"duration", time.Since(start))
	}
}

// =============================================================================
// PENDING STATE
// =============================================================================

// pendingCounts records how much of each pending list a request carried.
type pendingCounts struct {
	results, acks, logs int
}

// snapshot builds a sync request from the pending state. Nothing is removed
// until commit confirms the request went out.
func (a *Agent) snapshot() (types.SyncRequest, pendingCounts) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneSeenLocked(time.Now())
	a.stats.Syncs++

	return types.SyncRequest{
		DeviceID: a.cfg.Device.ID,
		Token:    a.cfg.Server.Token,
		Info:     a.cfg.Device.Info,
		Logs:     append([]any(nil), a.logs...),
		Results:  append([]types.ResultEntry(nil), a.results...),
		Ack:      append([]string(nil), a.acks...),
	}, pendingCounts{results: len(a.results), acks: len(a.acks), logs: len(a.logs)}
}

// commit drops the entries a delivered request carried. Entries queued
// after the snapshot stay pending.
func (a *Agent) commit(sent pendingCounts) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = a.results[min(sent.results, len(a.results)):]
	a.acks = a.acks[min(sent.acks, len(a.acks)):]
	a.logs = a.logs[min(sent.logs, len(a.logs)):]
}

func (a *Agent) hasPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results) > 0 || len(a.acks) > 0
}

// pruneSeenLocked forgets executed ids older than SeenTTL. The server stops
// redelivering an action once its TTL passes, so the set stays bounded.
func (a *Agent) pruneSeenLocked(now time.Time) {
	for id, at := range a.seen {
		if now.Sub(at) > a.cfg.Sync.SeenTTL {
			delete(a.seen, id)
		}
	}
}
