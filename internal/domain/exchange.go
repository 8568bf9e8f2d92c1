package domain

// Exchange is the persisted record of one relayed event.
type Exchange struct {
	PK        string
	SK        string
	EventID   string
	UserID    string
	Question  string
	Reply     string
	Outcome   string
	ThreadID  string
	RunID     string
	PollCount int
	CreatedAt string
	TTL       int64
}
