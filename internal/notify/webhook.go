// Package notify delivers operator alerts over Discord and Telegram
// webhooks.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/util"
)

// Alerter is the fire-and-forget alert surface the payout pipeline depends
// on. Delivery failures are logged, never surfaced to the caller.
type Alerter interface {
	AdminAlert(subject, body string)
}

// Notifier sends alerts to the configured webhooks with a short retry
type Notifier struct {
	cfg      config.NotifyConfig
	poolName string
	client   *http.Client
}

// NewNotifier creates a webhook notifier
func NewNotifier(cfg config.NotifyConfig, poolName string) *Notifier {
	return &Notifier{
		cfg:      cfg,
		poolName: poolName,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// AdminAlert sends an alert to every configured channel. Always logged,
// delivered asynchronously.
func (n *Notifier) AdminAlert(subject, body string) {
	util.Warnf("ALERT [%s] %s", subject, body)

	if !n.cfg.Enabled {
		return
	}
	go n.deliver(subject, body)
}

func (n *Notifier) deliver(subject, body string) {
	text := fmt.Sprintf("[%s] %s\n%s", n.poolName, subject, body)

	if n.cfg.DiscordURL != "" {
		if err := n.post(n.discordRequest(text)); err != nil {
			util.Errorf("Discord alert delivery failed: %v", err)
		}
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		if err := n.post(n.telegramRequest(text)); err != nil {
			util.Errorf("Telegram alert delivery failed: %v", err)
		}
	}
}

func (n *Notifier) discordRequest(text string) (string, []byte) {
	payload, _ := json.Marshal(map[string]string{"content": text})
	return n.cfg.DiscordURL, payload
}

func (n *Notifier) telegramRequest(text string) (string, []byte) {
	payload, _ := json.Marshal(map[string]string{
		"chat_id": n.cfg.TelegramChat,
		"text":    text,
	})
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", url.PathEscape(n.cfg.TelegramBot))
	return endpoint, payload
}

func (n *Notifier) post(endpoint string, payload []byte) error {
	op := func() error {
		resp, err := n.client.Post(endpoint, "application/json", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
}

// NopAlerter discards alerts. Used when alerting is not wired, and in tests.
type NopAlerter struct{}

// AdminAlert implements Alerter
func (NopAlerter) AdminAlert(subject, body string) {}
