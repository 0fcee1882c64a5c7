package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"
)

// MockExecutor is a test executor for unit tests.
type MockExecutor struct {
	Name        string
	Caps        Capabilities
	ExecuteFunc func(ctx context.Context, payload any) (any, error)
}

func (m *MockExecutor) Action() string {
	return m.Name
}

func (m *MockExecutor) Capabilities() Capabilities {
	return m.Caps
}

func (m *MockExecutor) Execute(ctx context.Context, payload any) (any, error) {
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, payload)
	}
	return map[string]any{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	exec := &MockExecutor{Name: "beep"}

	// First registration should succeed
	if err := r.Register(exec); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	// Duplicate registration should fail
	if err := r.Register(exec); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRegistry_RegisterMissingDependency(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&MockExecutor{
		Name: "open_url",
		Caps: Capabilities{Dependencies: []string{"actionsync-no-such-binary"}},
	})
	if err == nil {
		t.Fatal("expected error for missing dependency")
	}
	if _, ok := r.Get("open_url"); ok {
		t.Fatal("executor with missing dependency should not be registered")
	}
}

func TestRegistry_GetAndList(t *testing.T) {
	r := NewRegistry()
	r.Register(&MockExecutor{Name: "ping"})
	r.Register(&MockExecutor{Name: "echo"})

	found, ok := r.Get("ping")
	if !ok || found.Action() != "ping" {
		t.Fatalf("Get(ping) = %v, %v", found, ok)
	}
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("should not find nonexistent executor")
	}

	names := r.List()
	if len(names) != 2 || names[0] != "echo" || names[1] != "ping" {
		t.Fatalf("List() = %v, want [echo ping]", names)
	}
}

func TestRegistry_ExecuteUnsupported(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "teleport", nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if err.Error() != "unsupported_action" {
		t.Fatalf("error text = %q", err.Error())
	}
}

func TestBuiltins(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r, testLogger()); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		data, err := r.Execute(ctx, "ping", map[string]any{})
		if err != nil {
			t.Fatal(err)
		}
		if data.(map[string]any)["pong"] != true {
			t.Fatalf("data = %v", data)
		}
	})

	t.Run("echo", func(t *testing.T) {
		in := map[string]any{"n": float64(3)}
		data, err := r.Execute(ctx, "echo", in)
		if err != nil {
			t.Fatal(err)
		}
		if data.(map[string]any)["n"] != float64(3) {
			t.Fatalf("data = %v", data)
		}
	})

	t.Run("sysinfo", func(t *testing.T) {
		data, err := r.Execute(ctx, "sysinfo", nil)
		if err != nil {
			t.Fatal(err)
		}
		info := data.(SysInfo)
		if info.OS == "" || info.Goroutines == 0 {
			t.Fatalf("info = %+v", info)
		}
	})

	t.Run("toast needs text", func(t *testing.T) {
		if _, err := r.Execute(ctx, "toast", map[string]any{}); err == nil {
			t.Fatal("expected error for empty toast")
		}
		if _, err := r.Execute(ctx, "notify", map[string]any{"title": "t", "text": "hi"}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("clipboard round trip", func(t *testing.T) {
		if _, err := r.Execute(ctx, "clipboard_set", map[string]any{"text": "copied"}); err != nil {
			t.Fatal(err)
		}
		data, err := r.Execute(ctx, "clipboard_get", map[string]any{})
		if err != nil {
			t.Fatal(err)
		}
		if data.(map[string]any)["text"] != "copied" {
			t.Fatalf("data = %v", data)
		}
	})
}

func TestOpenURLExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("missing opener is not registered", func(t *testing.T) {
		r := NewRegistry()
		err := r.Register(&OpenURLExecutor{Command: "actionsync-no-such-opener"})
		if err == nil {
			t.Fatal("expected missing dependency error")
		}
		if _, ok := r.Get("open_url"); ok {
			t.Fatal("open_url registered without its opener")
		}
	})

	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not on PATH")
	}
	r := NewRegistry()
	if err := r.Register(&OpenURLExecutor{Command: "true"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	t.Run("opens http url", func(t *testing.T) {
		data, err := r.Execute(ctx, "open_url", map[string]any{"url": "https://example.com/x"})
		if err != nil {
			t.Fatal(err)
		}
		if data.(map[string]any)["opened"] != "https://example.com/x" {
			t.Fatalf("data = %v", data)
		}
	})

	t.Run("rejects other schemes", func(t *testing.T) {
		for _, raw := range []string{"", "file:///etc/passwd", "javascript:alert(1)", "https://"} {
			if _, err := r.Execute(ctx, "open_url", map[string]any{"url": raw}); err == nil {
				t.Errorf("url %q accepted", raw)
			}
		}
	})

	t.Run("opener failure is reported", func(t *testing.T) {
		if _, err := exec.LookPath("false"); err != nil {
			t.Skip("false not on PATH")
		}
		r := NewRegistry()
		if err := r.Register(&OpenURLExecutor{Command: "false"}); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Execute(ctx, "open_url", map[string]any{"url": "http://example.com"}); err == nil {
			t.Fatal("expected error from failing opener")
		}
	})
}

func TestRegisterOptional(t *testing.T) {
	r := NewRegistry()
	got := RegisterOptional(r, testLogger())
	_, lookErr := exec.LookPath("xdg-open")
	_, registered := r.Get("open_url")
	if registered != (lookErr == nil) {
		t.Fatalf("open_url registered = %v, xdg-open lookup error = %v", registered, lookErr)
	}
	if registered && (len(got) != 1 || got[0] != "open_url") {
		t.Fatalf("RegisterOptional = %v", got)
	}
	if !registered && len(got) != 0 {
		t.Fatalf("RegisterOptional = %v, want none", got)
	}
}

func TestDecodePayload(t *testing.T) {
	msg, err := DecodePayload[messagePayload](map[string]any{"title": "a", "text": "b"})
	if err != nil || msg.Title != "a" || msg.Text != "b" {
		t.Fatalf("DecodePayload = %+v, %v", msg, err)
	}

	if _, err := DecodePayload[messagePayload]("just a string"); err == nil {
		t.Fatal("expected error for non-object payload")
	}

	empty, err := DecodePayload[messagePayload](nil)
	if err != nil || empty != (messagePayload{}) {
		t.Fatalf("DecodePayload(nil) = %+v, %v", empty, err)
	}
}
