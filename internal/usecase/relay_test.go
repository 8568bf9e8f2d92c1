package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"line-assistant-relay/internal/domain"
	"line-assistant-relay/internal/observability/metrics"
)

type fakeAssistant struct {
	calls []string

	statuses []string // returned by successive GetRun calls; last one repeats
	messages []domain.ThreadMessage
	flagged  bool

	moderateErr error
	createErr   error
	addErr      error
	startErr    error
	getRunErr   error
	listErr     error

	gotText        string
	gotAssistantID string
}

func (f *fakeAssistant) CreateThread(_ context.Context) (domain.Thread, error) {
	f.calls = append(f.calls, "create_thread")
	if f.createErr != nil {
		return domain.Thread{}, f.createErr
	}
	return domain.Thread{ID: "thread_1"}, nil
}

func (f *fakeAssistant) AddMessage(_ context.Context, threadID, content string) error {
	f.calls = append(f.calls, "add_message")
	f.gotText = content
	return f.addErr
}

func (f *fakeAssistant) StartRun(_ context.Context, threadID, assistantID string) (domain.Run, error) {
	f.calls = append(f.calls, "start_run")
	f.gotAssistantID = assistantID
	if f.startErr != nil {
		return domain.Run{}, f.startErr
	}
	return domain.Run{ID: "run_1", Status: domain.RunStatusQueued}, nil
}

func (f *fakeAssistant) GetRun(_ context.Context, threadID, runID string) (domain.Run, error) {
	f.calls = append(f.calls, "get_run")
	if f.getRunErr != nil {
		return domain.Run{}, f.getRunErr
	}
	n := f.count("get_run") - 1
	if n >= len(f.statuses) {
		n = len(f.statuses) - 1
	}
	return domain.Run{ID: runID, Status: f.statuses[n]}, nil
}

func (f *fakeAssistant) ListMessages(_ context.Context, threadID string) ([]domain.ThreadMessage, error) {
	f.calls = append(f.calls, "list_messages")
	return f.messages, f.listErr
}

func (f *fakeAssistant) Moderate(_ context.Context, input string) (bool, error) {
	f.calls = append(f.calls, "moderate")
	return f.flagged, f.moderateErr
}

func (f *fakeAssistant) count(name string) int {
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

type sentReply struct {
	token string
	text  string
}

type fakeSender struct {
	sent []sentReply
	err  error
}

func (f *fakeSender) Reply(_ context.Context, replyToken, text string) error {
	f.sent = append(f.sent, sentReply{token: replyToken, text: text})
	return f.err
}

type fakeStore struct {
	claimed  map[string]bool
	claimErr error
	saveErr  error
	saved    []domain.Exchange
}

func (f *fakeStore) ClaimEvent(_ context.Context, eventID string) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if f.claimed == nil {
		f.claimed = map[string]bool{}
	}
	if f.claimed[eventID] {
		return false, nil
	}
	f.claimed[eventID] = true
	return true, nil
}

func (f *fakeStore) GetClaimStatus(_ context.Context, eventID string) (string, error) {
	if f.claimed[eventID] {
		return "claimed", nil
	}
	return "", nil
}

func (f *fakeStore) SaveExchange(_ context.Context, ex domain.Exchange) error {
	f.saved = append(f.saved, ex)
	return f.saveErr
}

type recordingSleeper struct {
	waits []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func assistantText(text string) []domain.ThreadMessage {
	return []domain.ThreadMessage{
		{Role: domain.RoleAssistant, Content: []domain.MessageContent{{Type: "text", Text: &domain.TextValue{Value: text}}}},
		{Role: domain.RoleUser, Content: []domain.MessageContent{{Type: "text", Text: &domain.TextValue{Value: "question"}}}},
	}
}

func textEvent(text string) domain.InboundEvent {
	return domain.InboundEvent{
		Type:           domain.EventTypeMessage,
		Message:        &domain.EventMessage{ID: "m1", Type: domain.MessageTypeText, Text: text},
		ReplyToken:     "reply-token-1",
		WebhookEventID: "01HEVENT",
		Source:         &domain.EventSource{Type: domain.SourceTypeUser, UserID: "U123"},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T, a AssistantAPI, s ReplySender, opts ...Option) (*Relay, *recordingSleeper) {
	t.Helper()
	sl := &recordingSleeper{}
	base := []Option{WithSleeper(sl.sleep), WithLogger(quietLogger())}
	r, err := NewRelay(a, s, "asst_1", append(base, opts...)...)
	require.NoError(t, err)
	return r, sl
}

func expectRelayError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, code, relayErr.Code)
	require.Equal(t, reason, relayErr.Reason)
}

func TestNewRelay_ValidatesDependencies(t *testing.T) {
	_, err := NewRelay(nil, &fakeSender{}, "asst_1")
	require.Error(t, err)

	_, err = NewRelay(&fakeAssistant{}, nil, "asst_1")
	require.Error(t, err)

	_, err = NewRelay(&fakeAssistant{}, &fakeSender{}, " ")
	require.Error(t, err)
}

func TestHandle_HappyPath_CallOrder(t *testing.T) {
	a := &fakeAssistant{
		statuses: []string{domain.RunStatusQueued, domain.RunStatusInProgress, domain.RunStatusCompleted},
		messages: assistantText("Hello 【4:0†source】."),
	}
	s := &fakeSender{}
	r, sl := newTestRelay(t, a, s)

	res, err := r.Handle(context.Background(), textEvent("hi"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAnswered, res.Outcome)
	require.True(t, res.Delivered)
	require.Equal(t, []string{"create_thread", "add_message", "start_run", "get_run", "get_run", "get_run", "list_messages"}, a.calls)
	require.Equal(t, "hi", a.gotText)
	require.Equal(t, "asst_1", a.gotAssistantID)
	require.Equal(t, []sentReply{{token: "reply-token-1", text: "Hello"}}, s.sent)
	require.Equal(t, 3, res.Answer.Polls)
	require.Equal(t, "thread_1", res.Answer.ThreadID)
	require.Equal(t, "run_1", res.Answer.RunID)
	require.Equal(t, []time.Duration{1500 * time.Millisecond, 1500 * time.Millisecond, 1500 * time.Millisecond}, sl.waits)
}

func TestHandle_SkipsNonRelayableEvents(t *testing.T) {
	cases := map[string]domain.InboundEvent{
		"missing reply token": func() domain.InboundEvent { e := textEvent("hi"); e.ReplyToken = ""; return e }(),
		"sticker message":     func() domain.InboundEvent { e := textEvent("hi"); e.Message.Type = "sticker"; return e }(),
		"follow event":        {Type: "follow", ReplyToken: "rt"},
		"nil message":         {Type: domain.EventTypeMessage, ReplyToken: "rt"},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}}
			s := &fakeSender{}
			store := &fakeStore{}
			r, _ := newTestRelay(t, a, s, WithExchangeStore(store))

			res, err := r.Handle(context.Background(), ev)
			require.NoError(t, err)
			require.Equal(t, OutcomeSkipped, res.Outcome)
			require.Empty(t, a.calls)
			require.Empty(t, s.sent)
			require.Empty(t, store.saved)
		})
	}
}

func TestHandle_PollCapReached(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusInProgress}}
	s := &fakeSender{}
	r, sl := newTestRelay(t, a, s)

	res, err := r.Handle(context.Background(), textEvent("hi"))
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessingFailure, res.Outcome)
	require.Equal(t, 20, a.count("get_run"))
	require.Zero(t, a.count("list_messages"))
	require.Len(t, sl.waits, 20)
	require.Equal(t, []sentReply{{token: "reply-token-1", text: DefaultFallbackReplies().ProcessingError}}, s.sent)
}

func TestRespond_PollPolicyIsConfigurable(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusQueued}}
	r, sl := newTestRelay(t, a, &fakeSender{}, WithPollPolicy(PollPolicy{Interval: 10 * time.Millisecond, MaxAttempts: 3}))

	ans, err := r.Respond(context.Background(), "hi")
	expectRelayError(t, err, ErrorProcessing, "run_timeout")
	require.Equal(t, 3, ans.Polls)
	require.Equal(t, domain.RunStatusQueued, ans.Status)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}, sl.waits)
}

func TestRespond_TerminalFailureStatuses(t *testing.T) {
	for _, status := range []string{"failed", "cancelled", "expired", "requires_action", ""} {
		t.Run(status, func(t *testing.T) {
			a := &fakeAssistant{statuses: []string{domain.RunStatusQueued, status}}
			r, _ := newTestRelay(t, a, &fakeSender{})

			ans, err := r.Respond(context.Background(), "hi")
			require.Error(t, err)
			var relayErr *Error
			require.ErrorAs(t, err, &relayErr)
			require.Equal(t, ErrorProcessing, relayErr.Code)
			require.Equal(t, "run_"+statusLabel(status), relayErr.Reason)
			require.Equal(t, 2, ans.Polls)
			require.Zero(t, a.count("list_messages"))
		})
	}
}

func TestRespond_ImmediateCompletionStillChecksOnce(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: assistantText("ok")}
	r, sl := newTestRelay(t, a, &fakeSender{})

	ans, err := r.Respond(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "ok", ans.Text)
	require.Equal(t, 1, a.count("get_run"))
	require.Len(t, sl.waits, 1)
}

func TestRespond_NoAssistantMessage(t *testing.T) {
	cases := map[string][]domain.ThreadMessage{
		"no messages":    nil,
		"only user":      {{Role: domain.RoleUser, Content: []domain.MessageContent{{Type: "text", Text: &domain.TextValue{Value: "q"}}}}},
		"image content":  {{Role: domain.RoleAssistant, Content: []domain.MessageContent{{Type: "image_file"}}}},
		"empty content":  {{Role: domain.RoleAssistant}},
		"text value nil": {{Role: domain.RoleAssistant, Content: []domain.MessageContent{{Type: "text"}}}},
	}
	for name, msgs := range cases {
		t.Run(name, func(t *testing.T) {
			a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: msgs}
			s := &fakeSender{}
			r, _ := newTestRelay(t, a, s)

			res, err := r.Handle(context.Background(), textEvent("hi"))
			require.NoError(t, err)
			require.Equal(t, OutcomeNoReply, res.Outcome)
			require.Equal(t, DefaultFallbackReplies().NoAnswer, s.sent[0].text)
		})
	}
}

func TestRespond_OnlyFirstAssistantMessageIsConsidered(t *testing.T) {
	msgs := []domain.ThreadMessage{
		{Role: domain.RoleAssistant, Content: []domain.MessageContent{{Type: "image_file"}}},
		{Role: domain.RoleAssistant, Content: []domain.MessageContent{{Type: "text", Text: &domain.TextValue{Value: "older"}}}},
	}
	a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: msgs}
	r, _ := newTestRelay(t, a, &fakeSender{})

	_, err := r.Respond(context.Background(), "hi")
	expectRelayError(t, err, ErrorNoReply, "no_assistant_text")
}

func TestRespond_EmptyAfterSanitize(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: assistantText(" 【1:0†faq.pdf】. ")}
	r, _ := newTestRelay(t, a, &fakeSender{})

	_, err := r.Respond(context.Background(), "hi")
	expectRelayError(t, err, ErrorNoReply, "empty_after_sanitize")
}

func TestRespond_TransportFailures(t *testing.T) {
	boom := errors.New("connection reset")
	cases := []struct {
		name   string
		setup  func(a *fakeAssistant)
		reason string
		calls  []string
	}{
		{"create thread", func(a *fakeAssistant) { a.createErr = boom }, "create_thread_error", []string{"create_thread"}},
		{"add message", func(a *fakeAssistant) { a.addErr = boom }, "add_message_error", []string{"create_thread", "add_message"}},
		{"start run", func(a *fakeAssistant) { a.startErr = boom }, "start_run_error", []string{"create_thread", "add_message", "start_run"}},
		{"get run", func(a *fakeAssistant) { a.getRunErr = boom }, "get_run_error", []string{"create_thread", "add_message", "start_run", "get_run"}},
		{"list messages", func(a *fakeAssistant) { a.listErr = boom }, "list_messages_error", []string{"create_thread", "add_message", "start_run", "get_run", "list_messages"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}}
			tc.setup(a)
			s := &fakeSender{}
			r, _ := newTestRelay(t, a, s)

			_, err := r.Respond(context.Background(), "hi")
			expectRelayError(t, err, ErrorTransport, tc.reason)
			require.ErrorIs(t, err, boom)
			require.Equal(t, tc.calls, a.calls)

			res, err := r.Handle(context.Background(), textEvent("hi"))
			require.NoError(t, err)
			require.Equal(t, OutcomeTransportFailure, res.Outcome)
			require.Equal(t, DefaultFallbackReplies().ConnectionProblem, s.sent[0].text)
		})
	}
}

func TestRespond_ContextCancelledDuringPolling(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusInProgress}}
	ctx, cancel := context.WithCancel(context.Background())
	sleeps := 0
	sleeper := func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 3 {
			cancel()
		}
		return ctx.Err()
	}
	r, _ := newTestRelay(t, a, &fakeSender{}, WithSleeper(sleeper))

	ans, err := r.Respond(ctx, "hi")
	expectRelayError(t, err, ErrorProcessing, "run_cancelled_by_caller")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, ans.Polls)
}

func TestRespond_Moderation(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: assistantText("ok"), flagged: true}
	s := &fakeSender{}
	r, _ := newTestRelay(t, a, s, WithModeration(true))

	res, err := r.Handle(context.Background(), textEvent("unsafe"))
	require.NoError(t, err)
	require.Equal(t, OutcomeFlagged, res.Outcome)
	require.Equal(t, []string{"moderate"}, a.calls)
	require.Equal(t, DefaultFallbackReplies().Flagged, s.sent[0].text)

	a = &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: assistantText("ok")}
	r, _ = newTestRelay(t, a, &fakeSender{}, WithModeration(true))
	ans, err := r.Respond(context.Background(), "fine")
	require.NoError(t, err)
	require.Equal(t, "ok", ans.Text)
	require.Equal(t, "moderate", a.calls[0])

	a = &fakeAssistant{moderateErr: errors.New("429")}
	r, _ = newTestRelay(t, a, &fakeSender{}, WithModeration(true))
	_, err = r.Respond(context.Background(), "fine")
	expectRelayError(t, err, ErrorTransport, "moderation_error")
}

func TestRespond_ModerationDisabledByDefault(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: assistantText("ok"), flagged: true}
	r, _ := newTestRelay(t, a, &fakeSender{})

	_, err := r.Respond(context.Background(), "hi")
	require.NoError(t, err)
	require.Zero(t, a.count("moderate"))
}

func TestHandle_ReplyFailureIsReturned(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: assistantText("ok")}
	s := &fakeSender{err: errors.New("line: reply failed with status 400")}
	store := &fakeStore{}
	r, _ := newTestRelay(t, a, s, WithExchangeStore(store))

	res, err := r.Handle(context.Background(), textEvent("hi"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "deliver reply")
	require.False(t, res.Delivered)
	require.Len(t, s.sent, 1, "reply tokens are single use and must not be retried")
	require.Len(t, store.saved, 1)
}

func TestHandle_DuplicateEventIsSkipped(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: assistantText("ok")}
	s := &fakeSender{}
	store := &fakeStore{}
	r, _ := newTestRelay(t, a, s, WithExchangeStore(store))

	_, err := r.Handle(context.Background(), textEvent("hi"))
	require.NoError(t, err)
	callsAfterFirst := len(a.calls)

	ev := textEvent("hi")
	ev.DeliveryContext = &domain.DeliveryContext{IsRedelivery: true}
	res, err := r.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
	require.Len(t, a.calls, callsAfterFirst)
	require.Len(t, s.sent, 1)
}

func TestHandle_ExchangeRecorded(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusInProgress, domain.RunStatusCompleted}, messages: assistantText("เปิด 9 โมงค่ะ")}
	store := &fakeStore{}
	r, _ := newTestRelay(t, a, &fakeSender{}, WithExchangeStore(store))

	_, err := r.Handle(context.Background(), textEvent("ร้านเปิดกี่โมง"))
	require.NoError(t, err)
	require.Equal(t, []domain.Exchange{{
		EventID:   "01HEVENT",
		UserID:    "U123",
		Question:  "ร้านเปิดกี่โมง",
		Reply:     "เปิด 9 โมงค่ะ",
		Outcome:   OutcomeAnswered,
		ThreadID:  "thread_1",
		RunID:     "run_1",
		PollCount: 2,
	}}, store.saved)
}

func TestHandle_StoreErrorsDoNotBlockReply(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: assistantText("ok")}
	s := &fakeSender{}
	store := &fakeStore{claimErr: errors.New("throttled"), saveErr: errors.New("throttled")}
	r, _ := newTestRelay(t, a, s, WithExchangeStore(store))

	res, err := r.Handle(context.Background(), textEvent("hi"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAnswered, res.Outcome)
	require.Equal(t, "ok", s.sent[0].text)
}

func TestHandle_EventWithoutIDIsNotClaimed(t *testing.T) {
	a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: assistantText("ok")}
	store := &fakeStore{}
	r, _ := newTestRelay(t, a, &fakeSender{}, WithExchangeStore(store))

	ev := textEvent("hi")
	ev.WebhookEventID = ""
	_, err := r.Handle(context.Background(), ev)
	require.NoError(t, err)
	_, err = r.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Empty(t, store.claimed)
	require.Len(t, store.saved, 2)
}

func TestHandle_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRelayMetrics(reg)
	a := &fakeAssistant{statuses: []string{domain.RunStatusCompleted}, messages: assistantText("ok")}
	r, _ := newTestRelay(t, a, &fakeSender{}, WithMetrics(m))

	_, err := r.Handle(context.Background(), textEvent("hi"))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["line_relay_relay_events_total"])
	require.True(t, names["line_relay_relay_replies_total"])
	require.True(t, names["line_relay_relay_run_polls"])
}

func TestWithFallbackReplies_FillsBlanks(t *testing.T) {
	a := &fakeAssistant{createErr: errors.New("down")}
	s := &fakeSender{}
	r, _ := newTestRelay(t, a, s, WithFallbackReplies(FallbackReplies{ConnectionProblem: "Sorry, the AI is unreachable."}))

	_, err := r.Handle(context.Background(), textEvent("hi"))
	require.NoError(t, err)
	require.Equal(t, "Sorry, the AI is unreachable.", s.sent[0].text)
	require.Equal(t, DefaultFallbackReplies().NoAnswer, r.replies.NoAnswer)
}

func TestFallbackReplies_For(t *testing.T) {
	f := DefaultFallbackReplies()
	require.Equal(t, f.ConnectionProblem, f.For(newError(ErrorTransport, "x", nil)))
	require.Equal(t, f.ProcessingError, f.For(newError(ErrorProcessing, "x", nil)))
	require.Equal(t, f.NoAnswer, f.For(newError(ErrorNoReply, "x", nil)))
	require.Equal(t, f.Flagged, f.For(newError(ErrorFlagged, "x", nil)))
	require.Equal(t, f.ConnectionProblem, f.For(fmt.Errorf("wrapped: %w", errors.New("raw"))))
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, sleepContext(ctx, 0), context.Canceled)
}
