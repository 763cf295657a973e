package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"coachnotify/pkg/logx"
)

const whatsappGraphBase = "https://graph.facebook.com/v19.0"

// WhatsApp sends text messages through the WhatsApp Cloud API.
// Recipients are E.164 phone numbers without the leading plus.
type WhatsApp struct {
	log  logx.Logger
	http *http.Client
	base string
}

func NewWhatsApp(log logx.Logger) *WhatsApp {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WhatsApp{
		log:  log,
		http: &http.Client{Timeout: 8 * time.Second},
		base: whatsappGraphBase,
	}
}

// NewWhatsAppWithBase points the adapter at a different API base URL.
// Used by tests to target a local stub server.
func NewWhatsAppWithBase(log logx.Logger, base string) *WhatsApp {
	w := NewWhatsApp(log)
	w.base = strings.TrimRight(base, "/")
	return w
}

func (w *WhatsApp) Kind() Kind { return KindWhatsApp }

func (w *WhatsApp) ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Token) == "" {
		return fmt.Errorf("%w: whatsapp access token is empty", ErrConfig)
	}
	if strings.TrimSpace(cfg.PhoneID) == "" {
		return fmt.Errorf("%w: whatsapp phone number id is empty", ErrConfig)
	}
	return nil
}

func (w *WhatsApp) Send(ctx context.Context, cfg Config, recipientID, content string) (Result, error) {
	if err := w.ValidateConfig(cfg); err != nil {
		return Result{}, err
	}
	to := strings.TrimPrefix(strings.TrimSpace(recipientID), "+")
	if to == "" {
		return Result{}, fmt.Errorf("%w: whatsapp recipient is empty", ErrConfig)
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": content},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.base+"/"+cfg.PhoneID+"/messages", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, fmt.Errorf("%w: whatsapp credentials rejected (%d)", ErrConfig, resp.StatusCode)
	case resp.StatusCode >= 400:
		return Result{}, fmt.Errorf("whatsapp send failed (%d): %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var ack struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return Result{}, fmt.Errorf("whatsapp send: malformed response: %w", err)
	}
	res := Result{Detail: "accepted"}
	if len(ack.Messages) > 0 {
		res.MessageID = ack.Messages[0].ID
	}
	return res, nil
}

func (w *WhatsApp) HealthCheck(ctx context.Context, cfg Config) error {
	if err := w.ValidateConfig(cfg); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		w.base+"/"+cfg.PhoneID+"?fields=id", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: whatsapp credentials rejected (%d)", ErrConfig, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("whatsapp health check failed (%d)", resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
