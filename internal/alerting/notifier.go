package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
)

// Kind is what an alert is about.
type Kind string

const (
	KindLiquidatable Kind = "liquidatable"
	KindStopLoss     Kind = "stop_loss"
	KindCritical     Kind = "critical"
	KindLiquidated   Kind = "liquidated"
)

// Notification carries one position alert.
type Notification struct {
	At            time.Time
	Owner         string
	Kind          Kind
	Health        fixed.Int
	Status        health.Status
	Collateral    fixed.Int
	Debt          fixed.Int
	Channels      []string
	AdditionalMsg string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("owner", note.Owner).
		Str("kind", string(note.Kind)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent")
	return nil
}

func usd(v fixed.Int) string {
	return v.Decimal(fixed.USDDecimals).StringFixed(2)
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Collateral Risk: %s]\n", note.Kind))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Owner: %s\n", note.Owner))
	if note.Health.Eq(fixed.Max) {
		builder.WriteString("Health: no debt\n")
	} else {
		builder.WriteString(fmt.Sprintf("Health: %s (%s)\n", note.Health.Decimal(4).StringFixed(4), note.Status))
	}
	builder.WriteString(fmt.Sprintf("Collateral: $%s weighted\n", usd(note.Collateral)))
	builder.WriteString(fmt.Sprintf("Debt: $%s\n", usd(note.Debt)))
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// Throttled drops a notification when the same owner and kind was delivered
// within the cooldown.
type Throttled struct {
	next     Notifier
	cooldown time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

// NewThrottled wraps next. A non-positive cooldown disables throttling.
func NewThrottled(next Notifier, cooldown time.Duration) *Throttled {
	return &Throttled{next: next, cooldown: cooldown, last: make(map[string]time.Time)}
}

// Notify implements Notifier.
func (t *Throttled) Notify(ctx context.Context, note Notification) error {
	key := note.Owner + "/" + string(note.Kind)
	t.mu.Lock()
	prev, seen := t.last[key]
	if seen && t.cooldown > 0 && note.At.Sub(prev) < t.cooldown {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.next.Notify(ctx, note); err != nil {
		return err
	}

	t.mu.Lock()
	t.last[key] = note.At
	t.mu.Unlock()
	return nil
}

// Log writes notifications to the logger; it is the fallback when no
// external channel is configured.
type Log struct {
	logger zerolog.Logger
}

// NewLog builds a logging notifier.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, note Notification) error {
	l.logger.Warn().
		Str("owner", note.Owner).
		Str("kind", string(note.Kind)).
		Str("health", note.Health.String()).
		Str("status", note.Status.String()).
		Msg("position alert")
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Throttled)(nil)
	_ Notifier = (*Log)(nil)
)
