// Package notify delivers outbound customer messages (SMS, email) produced by
// the sendSMS and sendEmail tools.
//
// Delivery goes through pluggable ChannelDriver implementations keyed by
// channel. OSS ships the WebhookDriver, which hands messages to an external
// gateway with HMAC-SHA256 signing, and the OutboxDriver, which keeps messages
// in memory for development and tests.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/config"
	"github.com/loanpilot/orchestrator/internal/retry"
	"github.com/loanpilot/orchestrator/pkg/contracts"
)

const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// ── Service ──────────────────────────────────────────────────

// Service routes messages to the driver registered for their channel.
type Service struct {
	drivers map[string]contracts.ChannelDriver
	drvMu   sync.RWMutex
}

// NewService creates a service with webhook drivers for every channel that has
// a configured URL and outbox drivers for the rest.
func NewService(cfg config.NotifyConfig) *Service {
	svc := &Service{drivers: make(map[string]contracts.ChannelDriver)}
	client := &http.Client{Timeout: 15 * time.Second}
	for channel, url := range map[string]string{
		ChannelSMS:   cfg.SMSWebhookURL,
		ChannelEmail: cfg.EmailWebhookURL,
	} {
		if url != "" {
			svc.RegisterDriver(channel, NewWebhookDriver(channel, url, cfg.WebhookSecret, client))
		} else {
			svc.RegisterDriver(channel, NewOutboxDriver(channel))
		}
	}
	return svc
}

// RegisterDriver adds or replaces the driver for a channel.
func (s *Service) RegisterDriver(channel string, driver contracts.ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[channel] = driver
	log.Info().Str("channel", channel).Str("kind", driver.Kind()).Msg("Registered notification channel driver")
}

// Driver returns the driver for a channel, or nil.
func (s *Service) Driver(channel string) contracts.ChannelDriver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[channel]
}

// Send delivers msg and returns the gateway's message id.
func (s *Service) Send(ctx context.Context, msg contracts.Message) (string, error) {
	driver := s.Driver(msg.Channel)
	if driver == nil {
		return "", fmt.Errorf("no driver registered for channel %s", msg.Channel)
	}
	id, err := driver.Send(ctx, msg)
	if err != nil {
		log.Warn().Err(err).Str("channel", msg.Channel).Str("invocation", msg.InvocationID).Msg("Notification failed")
		return "", err
	}
	log.Info().Str("channel", msg.Channel).Str("message_id", id).Str("invocation", msg.InvocationID).Msg("Notification dispatched")
	return id, nil
}

// ── Webhook Driver ───────────────────────────────────────────

// WebhookDriver posts messages as JSON to a gateway URL. Each request carries
// an idempotency key derived from the invocation, so transport retries cannot
// deliver the same message twice.
type WebhookDriver struct {
	channel string
	url     string
	secret  string
	client  *http.Client
	policy  retry.Policy
}

// NewWebhookDriver creates a webhook driver for one channel.
func NewWebhookDriver(channel, url, secret string, client *http.Client) *WebhookDriver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookDriver{channel: channel, url: url, secret: secret, client: client, policy: retry.Default}
}

func (d *WebhookDriver) Kind() string { return "webhook" }

type gatewayResponse struct {
	MessageID string `json:"message_id"`
}

func (d *WebhookDriver) Send(ctx context.Context, msg contracts.Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal webhook payload: %w", err)
	}
	idemKey := idempotencyKey(msg)

	var messageID string
	_, err = retry.Do(ctx, d.policy, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "LoanPilot-Webhook/1.0")
		req.Header.Set("X-LoanPilot-Channel", d.channel)
		req.Header.Set("Idempotency-Key", idemKey)
		if d.secret != "" {
			req.Header.Set("X-LoanPilot-Signature", "sha256="+Sign(d.secret, body))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var gr gatewayResponse
			if json.Unmarshal(payload, &gr) == nil && gr.MessageID != "" {
				messageID = gr.MessageID
			} else {
				messageID = idemKey
			}
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return retry.Permanent(fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url))
		default:
			return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url)
		}
	})
	if err != nil {
		return "", fmt.Errorf("%s webhook: %w", d.channel, err)
	}
	return messageID, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func idempotencyKey(msg contracts.Message) string {
	if msg.InvocationID == "" {
		return uuid.NewString()
	}
	sum := sha256.Sum256([]byte(msg.InvocationID + "|" + msg.Channel + "|" + msg.To))
	return hex.EncodeToString(sum[:16])
}

// ── Outbox Driver ────────────────────────────────────────────

// OutboxDriver records messages in memory instead of sending them.
type OutboxDriver struct {
	channel string
	mu      sync.Mutex
	sent    []contracts.Message
}

// NewOutboxDriver creates an in-memory driver for one channel.
func NewOutboxDriver(channel string) *OutboxDriver {
	return &OutboxDriver{channel: channel}
}

func (d *OutboxDriver) Kind() string { return "outbox" }

func (d *OutboxDriver) Send(ctx context.Context, msg contracts.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	d.sent = append(d.sent, msg)
	d.mu.Unlock()
	log.Debug().Str("channel", d.channel).Str("to", msg.To).Msg("Message held in outbox")
	return uuid.NewString(), nil
}

// Sent returns a copy of every message recorded so far.
func (d *OutboxDriver) Sent() []contracts.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]contracts.Message, len(d.sent))
	copy(out, d.sent)
	return out
}
