package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"line-assistant-relay/internal/domain"
	"line-assistant-relay/internal/integrations/line"
	"line-assistant-relay/internal/observability/metrics"
	"line-assistant-relay/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerSignature     = "X-Line-Signature"

	bodyOK                  = "OK"
	bodyMethodNotAllowed    = "Method Not Allowed"
	bodyConfigurationError  = "Configuration Error"
	bodyInternalServerError = "Internal Server Error"
	bodyUnauthorized        = "Unauthorized"
)

// EventRelayer answers a single inbound event.
type EventRelayer interface {
	Handle(ctx context.Context, ev domain.InboundEvent) (usecase.Result, error)
}

// Handler is the webhook entrypoint. Events in one delivery are relayed one
// at a time in array order, and the response is written after all of them.
type Handler struct {
	relay         EventRelayer
	configErr     error
	channelSecret string
	metrics       *metrics.RelayMetrics
	logger        *slog.Logger
}

type Option func(*Handler)

// WithChannelSecret enables X-Line-Signature verification.
func WithChannelSecret(secret string) Option {
	return func(h *Handler) { h.channelSecret = strings.TrimSpace(secret) }
}

func WithMetrics(m *metrics.RelayMetrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(relay EventRelayer, opts ...Option) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	h := &Handler{relay: relay, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// NewMisconfiguredHandler returns a Handler that rejects every POST with 500
// because the process started without usable configuration.
func NewMisconfiguredHandler(configErr error, opts ...Option) *Handler {
	if configErr == nil {
		configErr = errors.New("handler: configuration unavailable")
	}
	h := &Handler{configErr: configErr, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	log := h.logger.With("correlation_id", corrID)

	if !strings.EqualFold(req.HTTPMethod, http.MethodPost) {
		return h.respond(corrID, http.StatusMethodNotAllowed, bodyMethodNotAllowed), nil
	}
	if h.configErr != nil || h.relay == nil {
		log.Error("missing configuration", "err", h.configErr)
		return h.respond(corrID, http.StatusInternalServerError, bodyConfigurationError), nil
	}

	body, err := requestBody(req)
	if err != nil {
		log.Error("decode request body", "err", err)
		return h.respond(corrID, http.StatusInternalServerError, bodyInternalServerError), nil
	}

	if h.channelSecret != "" && !line.VerifySignature(h.channelSecret, body, header(req.Headers, headerSignature)) {
		log.Warn("webhook signature rejected")
		return h.respond(corrID, http.StatusUnauthorized, bodyUnauthorized), nil
	}

	var payload domain.WebhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Error("top-level error", "err", fmt.Errorf("handler: decode webhook body: %w", err))
		return h.respond(corrID, http.StatusInternalServerError, bodyInternalServerError), nil
	}

	for i, ev := range payload.Events {
		if !ev.Relayable() {
			log.Info("no valid message or reply token", "index", i, "type", ev.Type)
			continue
		}
		h.relayEvent(ctx, log, i, ev)
	}

	return h.respond(corrID, http.StatusOK, bodyOK), nil
}

// relayEvent isolates one event so that a failure, including a panic, never
// affects the events after it.
func (h *Handler) relayEvent(ctx context.Context, log *slog.Logger, index int, ev domain.InboundEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("event relay panicked", "index", index, "text", domain.LogText(ev.Text()), "panic", fmt.Sprint(rec))
		}
	}()

	res, err := h.relay.Handle(ctx, ev)
	if err != nil {
		log.Error("event relay failed", "index", index, "outcome", res.Outcome, "err", err)
		return
	}
	log.Info("event relayed", "index", index, "outcome", res.Outcome)
}

func (h *Handler) respond(corrID string, status int, body string) events.APIGatewayProxyResponse {
	h.metrics.ObserveWebhook(status)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "text/plain; charset=utf-8",
			headerCorrelationID: corrID,
		},
		Body: body,
	}
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return nil, fmt.Errorf("handler: decode base64 body: %w", err)
	}
	return b, nil
}

func correlationID(headers map[string]string) string {
	if v := strings.TrimSpace(header(headers, headerCorrelationID)); v != "" {
		return v
	}
	return uuid.NewString()
}

// header looks a header up case-insensitively; API Gateway does not
// normalise header names.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
