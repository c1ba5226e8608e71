// Package expo delivers push notifications through the Expo push service.
package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/bissquit/courtside-push/internal/tokens"
	"golang.org/x/time/rate"
)

const (
	// DefaultURL is the Expo push send endpoint.
	DefaultURL       = "https://exp.host/--/api/v2/push/send"
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 100
)

// Ticket error codes returned by Expo.
const (
	errDeviceNotRegistered = "DeviceNotRegistered"
	errMessageTooBig       = "MessageTooBig"
	errMessageRateExceeded = "MessageRateExceeded"
	errInvalidCredentials  = "InvalidCredentials"
)

// Config holds Expo sender configuration.
type Config struct {
	URL string
	// AccessToken enables enhanced push security when set.
	AccessToken string
	Timeout     time.Duration
	// RateLimit is the maximum number of requests per second.
	RateLimit float64
}

// Message is a single push notification.
type Message struct {
	To    string
	Title string
	Body  string
	Data  map[string]any
}

// Sender implements push delivery via the Expo HTTP API.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
}

// NewSender creates a new Expo sender.
func NewSender(config Config) *Sender {
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}

	slog.Info("expo sender configured",
		"url", config.URL,
		"rate_limit", config.RateLimit,
		"access_token", config.AccessToken != "",
	)

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), max(int(config.RateLimit), 1)),
		apiURL:     config.URL,
	}
}

type pushMessage struct {
	To       string         `json:"to"`
	Title    string         `json:"title,omitempty"`
	Body     string         `json:"body,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Sound    string         `json:"sound,omitempty"`
	Priority string         `json:"priority,omitempty"`
}

type pushTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details *struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

type pushResponse struct {
	Data   []pushTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// Send delivers msg. Failures are delivery errors: transport failures and
// throttling are retryable, rejected requests are terminal and an
// unregistered device yields an invalid-token error.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if !tokens.IsExpoToken(msg.To) {
		return delivery.New(delivery.KindDeviceUnsupported, "token is not an expo push token",
			delivery.WithField("token", msg.To))
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal([]pushMessage{{
		To:       msg.To,
		Title:    msg.Title,
		Body:     msg.Body,
		Data:     msg.Data,
		Sound:    "default",
		Priority: "high",
	}})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.config.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.AccessToken)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		recordRequest("network_error", time.Since(start))
		return delivery.New(delivery.KindNetworkError, "send push request",
			delivery.WithCause(err),
			delivery.WithRetryable(true),
		)
	}
	defer func() { _ = resp.Body.Close() }()

	err = s.handleResponse(resp, msg.To)
	recordRequest(outcome(err), time.Since(start))
	return err
}

func (s *Sender) handleResponse(resp *http.Response, token string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return delivery.New(delivery.KindNetworkError, "read push response", delivery.WithCause(err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		opts := []delivery.Option{
			delivery.WithRetryable(true),
			delivery.WithField("status", resp.StatusCode),
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			opts = append(opts, delivery.WithField("retry_after_ms", int64(secs)*1000))
		}
		return delivery.New(delivery.KindSendFailed, "expo rate limited", opts...)

	case resp.StatusCode >= http.StatusInternalServerError:
		return delivery.New(delivery.KindSendFailed, fmt.Sprintf("expo server error: %s", truncate(body)),
			delivery.WithRetryable(true),
			delivery.WithField("status", resp.StatusCode),
		)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return delivery.New(delivery.KindConfigMissing, "expo rejected credentials",
			delivery.WithField("status", resp.StatusCode),
		)

	case resp.StatusCode != http.StatusOK:
		return delivery.New(delivery.KindSendFailed, fmt.Sprintf("expo rejected request: %s", truncate(body)),
			delivery.WithRetryable(false),
			delivery.WithField("status", resp.StatusCode),
		)
	}

	var parsed pushResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return delivery.New(delivery.KindSendFailed, "decode push response",
			delivery.WithCause(err),
			delivery.WithRetryable(false),
		)
	}
	if len(parsed.Errors) > 0 {
		return delivery.New(delivery.KindSendFailed, fmt.Sprintf("expo request error %s: %s", parsed.Errors[0].Code, parsed.Errors[0].Message),
			delivery.WithRetryable(false),
		)
	}
	if len(parsed.Data) == 0 {
		return delivery.New(delivery.KindSendFailed, "expo returned no ticket", delivery.WithRetryable(false))
	}

	ticket := parsed.Data[0]
	if ticket.Status == "ok" {
		slog.Debug("expo push accepted", "ticket_id", ticket.ID)
		return nil
	}
	return ticketError(ticket, token)
}

func ticketError(ticket pushTicket, token string) error {
	code := ""
	if ticket.Details != nil {
		code = ticket.Details.Error
	}
	fields := []delivery.Option{delivery.WithField("expo_error", code)}

	switch code {
	case errDeviceNotRegistered:
		return delivery.New(delivery.KindInvalidToken, "device is no longer registered",
			append(fields, delivery.WithField("token", token))...)
	case errMessageRateExceeded:
		return delivery.New(delivery.KindSendFailed, ticket.Message,
			append(fields, delivery.WithRetryable(true))...)
	case errInvalidCredentials:
		return delivery.New(delivery.KindConfigMissing, ticket.Message, fields...)
	case errMessageTooBig:
		return delivery.New(delivery.KindSendFailed, ticket.Message,
			append(fields, delivery.WithRetryable(false))...)
	default:
		return delivery.New(delivery.KindSendFailed, fmt.Sprintf("expo ticket error: %s", ticket.Message), fields...)
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if de, ok := delivery.As(err); ok {
		return string(de.Kind())
	}
	return "error"
}

func truncate(body []byte) string {
	if len(body) > 256 {
		return string(body[:256]) + "..."
	}
	return string(body)
}
