package usecase

import "errors"

// FallbackReplies are the fixed texts sent to the user when no assistant
// answer can be produced.
type FallbackReplies struct {
	ConnectionProblem string
	ProcessingError   string
	NoAnswer          string
	Flagged           string
}

func DefaultFallbackReplies() FallbackReplies {
	return FallbackReplies{
		ConnectionProblem: "ขออภัยค่ะ ระบบมีปัญหาในการเชื่อมต่อกับ AI",
		ProcessingError:   "ขออภัยค่ะ ระบบตอบช้ากว่าปกติ กรุณาลองใหม่อีกครั้ง",
		NoAnswer:          "ไม่พบคำตอบจาก Assistant ค่ะ",
		Flagged:           "ขออภัยค่ะ ไม่สามารถตอบคำถามนี้ได้",
	}
}

// For returns the reply for an error produced by Respond. Unknown errors are
// treated as connection problems.
func (f FallbackReplies) For(err error) string {
	var ue *Error
	if !errors.As(err, &ue) {
		return f.ConnectionProblem
	}
	switch ue.Code {
	case ErrorProcessing:
		return f.ProcessingError
	case ErrorNoReply:
		return f.NoAnswer
	case ErrorFlagged:
		return f.Flagged
	default:
		return f.ConnectionProblem
	}
}

func (f FallbackReplies) withDefaults() FallbackReplies {
	d := DefaultFallbackReplies()
	if f.ConnectionProblem == "" {
		f.ConnectionProblem = d.ConnectionProblem
	}
	if f.ProcessingError == "" {
		f.ProcessingError = d.ProcessingError
	}
	if f.NoAnswer == "" {
		f.NoAnswer = d.NoAnswer
	}
	if f.Flagged == "" {
		f.Flagged = d.Flagged
	}
	return f
}
