package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"line-assistant-relay/internal/domain"
	"line-assistant-relay/internal/observability/metrics"
)

const (
	defaultPollInterval    = 1500 * time.Millisecond
	defaultPollMaxAttempts = 20
)

// AssistantAPI is the subset of the Assistants API used by the relay.
type AssistantAPI interface {
	CreateThread(ctx context.Context) (domain.Thread, error)
	AddMessage(ctx context.Context, threadID, content string) error
	StartRun(ctx context.Context, threadID, assistantID string) (domain.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (domain.Run, error)
	ListMessages(ctx context.Context, threadID string) ([]domain.ThreadMessage, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

type ReplySender interface {
	Reply(ctx context.Context, replyToken, text string) error
}

// ExchangeStore deduplicates redelivered events and records outcomes.
type ExchangeStore interface {
	ClaimEvent(ctx context.Context, eventID string) (bool, error)
	GetClaimStatus(ctx context.Context, eventID string) (string, error)
	SaveExchange(ctx context.Context, ex domain.Exchange) error
}

// Sleeper blocks for d or until ctx is done, returning ctx.Err() in the
// latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// PollPolicy bounds the run status loop: one check every Interval, at most
// MaxAttempts checks.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: defaultPollInterval, MaxAttempts: defaultPollMaxAttempts}
}

// Answer is the product of Respond. Polls and Status are filled as far as the
// run got, also on error.
type Answer struct {
	Text     string
	ThreadID string
	RunID    string
	Status   string
	Polls    int
}

// Result describes what Handle did with one event.
type Result struct {
	Outcome   string
	Reply     string
	Answer    Answer
	Delivered bool
}

// Relay answers inbound chat messages with a pre-configured assistant.
type Relay struct {
	assistant   AssistantAPI
	replier     ReplySender
	assistantID string

	exchanges ExchangeStore
	metrics   *metrics.RelayMetrics
	logger    *slog.Logger
	poll      PollPolicy
	sleep     Sleeper
	replies   FallbackReplies
	moderate  bool
	now       func() time.Time
}

type Option func(*Relay)

func WithPollPolicy(p PollPolicy) Option {
	return func(r *Relay) {
		if p.Interval > 0 {
			r.poll.Interval = p.Interval
		}
		if p.MaxAttempts > 0 {
			r.poll.MaxAttempts = p.MaxAttempts
		}
	}
}

func WithSleeper(s Sleeper) Option {
	return func(r *Relay) {
		if s != nil {
			r.sleep = s
		}
	}
}

func WithExchangeStore(s ExchangeStore) Option {
	return func(r *Relay) { r.exchanges = s }
}

func WithMetrics(m *metrics.RelayMetrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithModeration(enabled bool) Option {
	return func(r *Relay) { r.moderate = enabled }
}

func WithFallbackReplies(f FallbackReplies) Option {
	return func(r *Relay) { r.replies = f.withDefaults() }
}

func NewRelay(a AssistantAPI, s ReplySender, assistantID string, opts ...Option) (*Relay, error) {
	if a == nil {
		return nil, errors.New("usecase: assistant client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: reply sender must not be nil")
	}
	assistantID = strings.TrimSpace(assistantID)
	if assistantID == "" {
		return nil, errors.New("usecase: assistant id must not be empty")
	}
	r := &Relay{
		assistant:   a,
		replier:     s,
		assistantID: assistantID,
		logger:      slog.Default(),
		poll:        DefaultPollPolicy(),
		sleep:       sleepContext,
		replies:     DefaultFallbackReplies(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Handle answers one inbound event and delivers the reply. Per-event failures
// are turned into fallback replies; the returned error only reports a failed
// delivery, and callers are expected to log it and move on.
func (r *Relay) Handle(ctx context.Context, ev domain.InboundEvent) (Result, error) {
	if !ev.Relayable() {
		return Result{Outcome: OutcomeSkipped}, nil
	}
	start := r.now()
	log := r.logger.With("event_id", ev.WebhookEventID, "user_id", ev.UserID())

	if r.exchanges != nil && ev.WebhookEventID != "" {
		claimed, err := r.exchanges.ClaimEvent(ctx, ev.WebhookEventID)
		switch {
		case err != nil:
			log.Warn("event claim failed, relaying anyway", "err", err)
		case !claimed:
			status, _ := r.exchanges.GetClaimStatus(ctx, ev.WebhookEventID)
			log.Info("duplicate event skipped", "redelivery", ev.IsRedelivery(), "claim_status", status)
			r.metrics.ObserveEvent(OutcomeDuplicate, r.now().Sub(start).Seconds())
			return Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	log.Info("user message", "text", domain.LogText(ev.Text()))

	answer, err := r.Respond(ctx, ev.Text())
	res := Result{Outcome: OutcomeAnswered, Reply: answer.Text, Answer: answer}
	if err != nil {
		res.Outcome = outcomeFor(err)
		res.Reply = r.replies.For(err)
		attrs := []any{"text", domain.LogText(ev.Text()), "outcome", res.Outcome, "err", err}
		if code, ok := upstreamStatusCode(err); ok {
			attrs = append(attrs, "upstream_status", code)
		}
		log.Error("assistant response failed", attrs...)
	} else {
		log.Info("assistant reply", "text", domain.LogText(answer.Text), "polls", answer.Polls)
	}

	sendErr := r.replier.Reply(ctx, ev.ReplyToken, res.Reply)
	res.Delivered = sendErr == nil
	r.metrics.ObserveReply(res.Delivered)
	r.metrics.ObservePolls(answer.Polls)
	r.metrics.ObserveEvent(res.Outcome, r.now().Sub(start).Seconds())
	if sendErr != nil {
		if code, ok := upstreamStatusCode(sendErr); ok {
			log.Error("reply send failed", "upstream_status", code, "err", sendErr)
		} else {
			log.Error("reply send failed", "err", sendErr)
		}
	}

	if r.exchanges != nil {
		if err := r.exchanges.SaveExchange(ctx, domain.Exchange{
			EventID:   ev.WebhookEventID,
			UserID:    ev.UserID(),
			Question:  ev.Text(),
			Reply:     res.Reply,
			Outcome:   res.Outcome,
			ThreadID:  answer.ThreadID,
			RunID:     answer.RunID,
			PollCount: answer.Polls,
		}); err != nil {
			log.Warn("exchange record failed", "err", err)
		}
	}

	if sendErr != nil {
		return res, fmt.Errorf("usecase: deliver reply: %w", sendErr)
	}
	return res, nil
}

// Respond runs text through a fresh thread and returns the sanitized
// assistant answer. Every error is a *Error.
func (r *Relay) Respond(ctx context.Context, text string) (Answer, error) {
	var ans Answer

	if r.moderate {
		flagged, err := r.assistant.Moderate(ctx, text)
		if err != nil {
			return ans, newError(ErrorTransport, "moderation_error", err)
		}
		if flagged {
			return ans, newError(ErrorFlagged, "moderation_flagged", nil)
		}
	}

	thread, err := r.assistant.CreateThread(ctx)
	if err != nil {
		return ans, newError(ErrorTransport, "create_thread_error", err)
	}
	ans.ThreadID = thread.ID

	if err := r.assistant.AddMessage(ctx, thread.ID, text); err != nil {
		return ans, newError(ErrorTransport, "add_message_error", err)
	}

	run, err := r.assistant.StartRun(ctx, thread.ID, r.assistantID)
	if err != nil {
		return ans, newError(ErrorTransport, "start_run_error", err)
	}
	ans.RunID = run.ID

	run, polls, err := r.waitForRun(ctx, thread.ID, run.ID)
	ans.Polls = polls
	ans.Status = run.Status
	if err != nil {
		return ans, err
	}
	if run.Status != domain.RunStatusCompleted {
		reason := "run_timeout"
		if !run.Pending() {
			reason = "run_" + statusLabel(run.Status)
		}
		return ans, newError(ErrorProcessing, reason, nil)
	}

	msgs, err := r.assistant.ListMessages(ctx, thread.ID)
	if err != nil {
		return ans, newError(ErrorTransport, "list_messages_error", err)
	}
	raw, ok := firstAssistantText(msgs)
	if !ok {
		return ans, newError(ErrorNoReply, "no_assistant_text", nil)
	}
	ans.Text = Sanitize(raw)
	if ans.Text == "" {
		return ans, newError(ErrorNoReply, "empty_after_sanitize", nil)
	}
	return ans, nil
}

// waitForRun sleeps, then checks the run, until the run leaves queued or
// in_progress or MaxAttempts checks have been made. It always checks at least
// once.
func (r *Relay) waitForRun(ctx context.Context, threadID, runID string) (domain.Run, int, error) {
	var run domain.Run
	attempts := 0
	for {
		if err := r.sleep(ctx, r.poll.Interval); err != nil {
			return run, attempts, newError(ErrorProcessing, "run_cancelled_by_caller", err)
		}
		current, err := r.assistant.GetRun(ctx, threadID, runID)
		if err != nil {
			return run, attempts, newError(ErrorTransport, "get_run_error", err)
		}
		attempts++
		run = current
		r.logger.Debug("run status", "thread_id", threadID, "run_id", runID, "status", run.Status, "attempt", attempts)
		if !run.Pending() || attempts >= r.poll.MaxAttempts {
			return run, attempts, nil
		}
	}
}

func statusLabel(status string) string {
	if status == "" {
		return "unknown"
	}
	return status
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
