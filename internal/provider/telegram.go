package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"coachnotify/pkg/logx"
)

// Telegram sends via the Bot API using telebot. Bots are cached per token so
// tenants sharing a bot reuse one session; the limiter paces this process
// below Telegram's global ~30 msg/s ceiling (the durable rate limiter handles
// per-tenant budgets).
type Telegram struct {
	log logx.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot

	limiter *rate.Limiter
	http    *http.Client
}

func NewTelegram(log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		log:     log,
		bots:    map[string]*tele.Bot{},
		limiter: rate.NewLimiter(rate.Limit(25), 5),
		http:    &http.Client{Timeout: 8 * time.Second},
	}
}

func (t *Telegram) Kind() Kind { return KindTelegram }

func (t *Telegram) ValidateConfig(cfg Config) error {
	tok := strings.TrimSpace(cfg.Token)
	if tok == "" {
		return fmt.Errorf("%w: telegram token is empty", ErrConfig)
	}
	if !strings.Contains(tok, ":") {
		return fmt.Errorf("%w: telegram token is malformed", ErrConfig)
	}
	return nil
}

func (t *Telegram) Send(ctx context.Context, cfg Config, recipientID, content string) (Result, error) {
	if err := t.ValidateConfig(cfg); err != nil {
		return Result{}, err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("%w: telegram recipient %q is not a chat id", ErrConfig, recipientID)
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	b, err := t.bot(cfg.Token)
	if err != nil {
		return Result{}, classifyTelegramErr(err)
	}

	// telebot has no context plumbing on Send; the bot's http client carries
	// the bounded timeout instead.
	msg, err := b.Send(tele.ChatID(chatID), content)
	if err != nil {
		return Result{}, classifyTelegramErr(err)
	}
	return Result{MessageID: strconv.Itoa(msg.ID)}, nil
}

func (t *Telegram) HealthCheck(ctx context.Context, cfg Config) error {
	if err := t.ValidateConfig(cfg); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://api.telegram.org/bot"+cfg.Token+"/getMe", nil)
	if err != nil {
		return err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		OK     bool `json:"ok"`
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: telegram token rejected (%d)", ErrConfig, resp.StatusCode)
	}
	if !body.OK {
		return fmt.Errorf("telegram getMe returned not-ok (%d)", resp.StatusCode)
	}
	return nil
}

// bot returns the cached session for the token, creating it on first use.
// Creation calls getMe, so a bad token fails here rather than on Send.
func (t *Telegram) bot(token string) (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Client:  t.http,
		Offline: false,
	})
	if err != nil {
		return nil, err
	}
	t.bots[token] = b
	return b, nil
}

func classifyTelegramErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	// 401 means the token is wrong; 403 means the bot was blocked by the
	// recipient. Both are pointless to retry.
	if strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized") ||
		strings.Contains(msg, "403") || strings.Contains(msg, "bot was blocked") {
		return fmt.Errorf("%w: %s", ErrConfig, msg)
	}
	return err
}
