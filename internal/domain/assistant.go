package domain

// Run statuses reported by the Assistants API. Any status other than queued or
// in_progress is terminal; any terminal status other than completed is a
// failure.
const (
	RunStatusQueued     = "queued"
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"

	RoleUser      = "user"
	RoleAssistant = "assistant"

	ContentTypeText = "text"
)

// Thread is a provider-side conversation context. One is created per inbound
// event and never reused.
type Thread struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

// Run is one asynchronous assistant invocation against a thread.
type Run struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ThreadID    string `json:"thread_id"`
	AssistantID string `json:"assistant_id"`
}

// Pending reports whether the run has not reached a terminal status yet.
func (r Run) Pending() bool {
	return r.Status == RunStatusQueued || r.Status == RunStatusInProgress
}

// ThreadMessage is a message as returned by list-messages, newest first.
type ThreadMessage struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"`
	Content []MessageContent `json:"content"`
}

type MessageContent struct {
	Type string     `json:"type"`
	Text *TextValue `json:"text,omitempty"`
}

type TextValue struct {
	Value string `json:"value"`
}
