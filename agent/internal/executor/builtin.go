package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// RegisterBuiltins registers the actions every agent understands.
func RegisterBuiltins(r *Registry, logger *slog.Logger) error {
	clip := &Clipboard{}
	for _, e := range []Executor{
		PingExecutor{},
		EchoExecutor{},
		SysInfoExecutor{},
		&MessageExecutor{Name: "toast", Logger: logger},
		&MessageExecutor{Name: "notify", Logger: logger},
		&ClipboardSetExecutor{Clipboard: clip},
		&ClipboardGetExecutor{Clipboard: clip},
	} {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// RegisterOptional registers actions that depend on host binaries. An action
// whose dependency is missing is skipped with a warning; the returned slice
// lists the actions that were registered.
func RegisterOptional(r *Registry, logger *slog.Logger) []string {
	var registered []string
	for _, e := range []Executor{
		&OpenURLExecutor{},
	} {
		if err := r.Register(e); err != nil {
			logger.Warn("action unavailable", "action", e.Action(), "error", err)
			continue
		}
		registered = append(registered, e.Action())
	}
	return registered
}

// =============================================================================
// PING / ECHO
// =============================================================================

// PingExecutor answers with the device clock.
type PingExecutor struct{}

func (PingExecutor) Action() string             { return "ping" }
func (PingExecutor) Capabilities() Capabilities { return Capabilities{} }

func (PingExecutor) Execute(ctx context.Context, payload any) (any, error) {
	return map[string]any{
		"pong": true,
		"ts":   float64(time.Now().UnixNano()) / float64(time.Second),
	}, nil
}

// EchoExecutor returns its payload unchanged.
type EchoExecutor struct{}

func (EchoExecutor) Action() string             { return "echo" }
func (EchoExecutor) Capabilities() Capabilities { return Capabilities{} }

func (EchoExecutor) Execute(ctx context.Context, payload any) (any, error) {
	return payload, nil
}

// =============================================================================
// SYSINFO
// =============================================================================

// SysInfo is the data returned by the sysinfo action.
type SysInfo struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform"`
	UptimeSeconds uint64  `json:"uptime_s"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
}

// SysInfoExecutor reports host facts.
type SysInfoExecutor struct{}

func (SysInfoExecutor) Action() string             { return "sysinfo" }
func (SysInfoExecutor) Capabilities() Capabilities { return Capabilities{} }

func (SysInfoExecutor) Execute(ctx context.Context, payload any) (any, error) {
	info := SysInfo{
		OS:         runtime.GOOS,
		Goroutines: runtime.NumGoroutine(),
	}
	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.UptimeSeconds = h.Uptime
	} else if name, err := os.Hostname(); err == nil {
		info.Hostname = name
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryPercent = vm.UsedPercent
	}
	return info, nil
}

// =============================================================================
// MESSAGES
// =============================================================================

type messagePayload struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// MessageExecutor displays a message. A headless agent writes it to the log.
type MessageExecutor struct {
	Name   string
	Logger *slog.Logger
}

func (e *MessageExecutor) Action() string             { return e.Name }
func (e *MessageExecutor) Capabilities() Capabilities { return Capabilities{} }

func (e *MessageExecutor) Execute(ctx context.Context, payload any) (any, error) {
	msg, err := DecodePayload[messagePayload](payload)
	if err != nil {
		return nil, err
	}
	if msg.Text == "" {
		return nil, errors.New("missing text")
	}
	if e.Logger != nil {
		e.Logger.Info("message", "kind", e.Name, "title", msg.Title, "text", msg.Text)
	}
	return map[string]any{"shown": true}, nil
}

// =============================================================================
// CLIPBOARD
// =============================================================================

// Clipboard is an in-process clipboard shared by the clipboard actions.
type Clipboard struct {
	mu   sync.Mutex
	text string
}

// ClipboardSetExecutor replaces the clipboard text.
type ClipboardSetExecutor struct {
	Clipboard *Clipboard
}

func (e *ClipboardSetExecutor) Action() string             { return "clipboard_set" }
func (e *ClipboardSetExecutor) Capabilities() Capabilities { return Capabilities{} }

func (e *ClipboardSetExecutor) Execute(ctx context.Context, payload any) (any, error) {
	msg, err := DecodePayload[messagePayload](payload)
	if err != nil {
		return nil, err
	}
	e.Clipboard.mu.Lock()
	e.Clipboard.text = msg.Text
	e.Clipboard.mu.Unlock()
	return map[string]any{"length": len(msg.Text)}, nil
}

// ClipboardGetExecutor returns the clipboard text.
type ClipboardGetExecutor struct {
	Clipboard *Clipboard
}

func (e *ClipboardGetExecutor) Action() string             { return "clipboard_get" }
func (e *ClipboardGetExecutor) Capabilities() Capabilities { return Capabilities{} }

func (e *ClipboardGetExecutor) Execute(ctx context.Context, payload any) (any, error) {
	e.Clipboard.mu.Lock()
	defer e.Clipboard.mu.Unlock()
	return map[string]any{"text": e.Clipboard.text}, nil
}

// =============================================================================
// OPEN URL
// =============================================================================

type openURLPayload struct {
	URL string `json:"url"`
}

// OpenURLExecutor opens an http(s) URL with the desktop handler.
type OpenURLExecutor struct {
	// Command is the opener binary. Defaults to xdg-open.
	Command string
}

func (e *OpenURLExecutor) command() string {
	if e.Command == "" {
		return "xdg-open"
	}
	return e.Command
}

func (e *OpenURLExecutor) Action() string { return "open_url" }

func (e *OpenURLExecutor) Capabilities() Capabilities {
	return Capabilities{Dependencies: []string{e.command()}}
}

func (e *OpenURLExecutor) Execute(ctx context.Context, payload any) (any, error) {
	p, err := DecodePayload[openURLPayload](payload)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url: %q", p.URL)
	}
	if err := exec.CommandContext(ctx, e.command(), u.String()).Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", e.command(), err)
	}
	return map[string]any{"opened": u.String()}, nil
}
