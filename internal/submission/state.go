package submission

import "github.com/guided-traffic/pgp-contact-form/internal/validation"

// State is a step of the submission pipeline
type State string

const (
	StateReceived  State = "received"
	StateVerified  State = "verified"
	StateEncrypted State = "encrypted"
	StateDelivered State = "delivered"
	StateResponded State = "responded"
	// StateRejected ends a run caused by the client (validation or verification)
	StateRejected State = "rejected"
	// StateFailed ends a run caused by the backend (encryption or delivery)
	StateFailed State = "failed"
)

// Outcome is the terminal result of one pipeline run
type Outcome struct {
	State State
	// Errors lists violated field rules; set only for validation rejections
	Errors []validation.FieldError
	// Err is the cause of a rejection or failure, matched with errors.Is against the
	// apperrors sentinels
	Err error
}

// OK reports whether the message was delivered
func (o Outcome) OK() bool {
	return o.State == StateResponded
}
