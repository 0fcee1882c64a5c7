// Package bridge holds the in-memory device state of the sync server and the
// single state-transition function both transports call.
//
// # State
//
// A Bridge owns a table of devices. Each device has a pending action queue,
// a bounded result log, a bounded diagnostic log and at most one bound
// WebSocket connection. Every read and write of that state happens under one
// Bridge-wide mutex; socket I/O always happens after the mutex is released.
//
// # Delivery
//
// Delivery is at-least-once. An action is handed out by HandleSync (poll or
// WebSocket reply) or pushed right after QueueAction when the device has a
// live socket. Until the device acknowledges it (explicit ack, or a result
// with the same id) the action is handed out again every ResendAfter, and it
// is dropped silently once its TTL has elapsed.
package bridge

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/actionsync/control-plane/internal/wsframe"
)

// Sentinel errors returned by the controller API.
var (
	// ErrNoDevice means a "last" reference could not be resolved because no
	// device has been seen yet.
	ErrNoDevice = errors.New("no device available")

	// ErrMissingAction means QueueAction was called without an action name.
	ErrMissingAction = errors.New("action name is required")

	// ErrResultTimeout means WaitResult gave up before a result arrived.
	ErrResultTimeout = errors.New("timed out waiting for result")
)

// LastDevice is the symbolic device reference resolved to the most recently
// active device.
const LastDevice = "last"

// Config holds the tunables of a Bridge.
type Config struct {
	// Token is the shared secret devices must send with every sync. Empty
	// disables the check.
	Token string

	// Capacities; overflow evicts the oldest entries.
	MaxQueue   int
	MaxLogs    int
	MaxResults int

	// ResendAfter is the minimum interval between deliveries of the same
	// unacknowledged action.
	ResendAfter time.Duration

	// DeviceTimeout is how long after its last sync a device is reported
	// online.
	DeviceTimeout time.Duration

	// DefaultTTL applies when an action is queued without a TTL.
	DefaultTTL time.Duration

	// MaxFrameBytes caps inbound WebSocket frames.
	MaxFrameBytes int64

	// WriteTimeout bounds every WebSocket write (replies, pushes, pings).
	// A peer that stops reading fails the write and loses its binding.
	WriteTimeout time.Duration
}

// DefaultConfig returns the defaults the server ships with.
func DefaultConfig() Config {
	return Config{
		MaxQueue:      200,
		MaxLogs:       300,
		MaxResults:    200,
		ResendAfter:   5 * time.Second,
		DeviceTimeout: 120 * time.Second,
		DefaultTTL:    300 * time.Second,
		MaxFrameBytes: 4 << 20,
		WriteTimeout:  wsframe.DefaultWriteTimeout,
	}
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithClock replaces the time source. Tests use it to step through TTL and
// resend windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// WithIDGenerator replaces the action id generator.
func WithIDGenerator(newID func() string) Option {
	return func(b *Bridge) {
		b.newID = newID
	}
}

// Bridge is the device registry plus everything that operates on it.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu           sync.Mutex
	devices      map[string]*device
	order        []string // insertion order of device ids
	lastDeviceID string
	conns        map[*wsframe.Conn]struct{} // connections with a running read loop
	resultSignal chan struct{}              // closed and replaced on every result append
}

// New creates an empty Bridge.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Bridge {
	defaults := DefaultConfig()
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = defaults.MaxQueue
	}
	if cfg.MaxLogs <= 0 {
		cfg.MaxLogs = defaults.MaxLogs
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaults.MaxResults
	}
	if cfg.ResendAfter < 0 {
		cfg.ResendAfter = 0
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = defaults.DeviceTimeout
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaults.DefaultTTL
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaults.MaxFrameBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	cfg.Token = strings.TrimSpace(cfg.Token)

	b := &Bridge{
		cfg:          cfg,
		logger:       logger.With("component", "bridge"),
		now:          time.Now,
		newID:        newActionID,
		devices:      make(map[string]*device),
		conns:        make(map[*wsframe.Conn]struct{}),
		resultSignal: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Bridge) Config() Config {
	return b.cfg
}

// newActionID returns a 32 character hex UUIDv4.
func newActionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
