package client

import (
	"context"
)

// Convenience wrappers for the actions the companion device app understands.
// Each returns the queued action id; use WaitResult to collect the outcome.

// Toast shows a short transient message.
func (c *Client) Toast(ctx context.Context, deviceID, text string) (string, error) {
	return c.Send(ctx, deviceID, "toast", map[string]any{"text": text}, 0)
}

// Notify posts a system notification.
func (c *Client) Notify(ctx context.Context, deviceID, title, text string) (string, error) {
	return c.Send(ctx, deviceID, "notify", map[string]any{"title": title, "text": text}, 0)
}

// Dialog shows a modal dialog. The pressed button comes back in the result
// data. Buttons default to a single "OK".
func (c *Client) Dialog(ctx context.Context, deviceID, title, text string, buttons ...string) (string, error) {
	if len(buttons) == 0 {
		buttons = []string{"OK"}
	}
	return c.Send(ctx, deviceID, "dialog", map[string]any{
		"title":   title,
		"text":    text,
		"buttons": buttons,
	}, 0)
}

// OpenURL opens url on the device.
func (c *Client) OpenURL(ctx context.Context, deviceID, url string) (string, error) {
	return c.Send(ctx, deviceID, "open_url", map[string]any{"url": url}, 0)
}

// ClipboardSet replaces the device clipboard.
func (c *Client) ClipboardSet(ctx context.Context, deviceID, text string) (string, error) {
	return c.Send(ctx, deviceID, "clipboard_set", map[string]any{"text": text}, 0)
}

// ClipboardGet asks the device for its clipboard; the text comes back in
// the result data.
func (c *Client) ClipboardGet(ctx context.Context, deviceID string) (string, error) {
	return c.Send(ctx, deviceID, "clipboard_get", map[string]any{}, 0)
}
