package transport

import "context"

// Result classifies the synchronous answer from a delivery provider.
type Result int

const (
	// Accepted means the provider took the message.
	Accepted Result = iota
	// RejectedPermanent means the message can never be delivered as-is
	// (invalid mailbox, blocked address). Not retried.
	RejectedPermanent
	// RejectedTransient means the provider refused for now (greylisting,
	// rate limits). Retried with backoff.
	RejectedTransient
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedPermanent:
		return "rejected_permanent"
	default:
		return "rejected_transient"
	}
}

// Message is one fully rendered email ready to hand off.
type Message struct {
	MessageID string
	From      string
	FromName  string
	To        string
	Subject   string
	Body      string
	IsWarmup  bool
}

// Transport is the delivery collaborator. A non-nil error means the handoff
// itself failed (dial timeout, connection reset) and is treated as
// transient; rejections come back as a Result with a nil error.
type Transport interface {
	Send(ctx context.Context, msg Message) (Result, error)
}
