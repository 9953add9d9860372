// Package domain defines the request/response model shared by the broker,
// the client library and the operator console.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what sort of decision a request asks the operator for.
// The set is closed; adding a kind means extending the console rendering
// and the client wrappers as well.
type Kind string

const (
	// KindInput asks the operator for free-form text.
	KindInput Kind = "input"

	// KindConfirmation asks the operator for a yes/no decision.
	KindConfirmation Kind = "confirmation"

	// KindChoice asks the operator to pick one of the offered choices.
	KindChoice Kind = "choice"

	// KindReview asks the operator to review a proposed content change.
	// The reply is a free-text instruction, not a boolean.
	KindReview Kind = "review"
)

// ValidKind reports whether k is one of the supported request kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindInput, KindConfirmation, KindChoice, KindReview:
		return true
	}
	return false
}

// Status is the lifecycle state of a request. A request starts pending and
// moves exactly once to one of the terminal states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnswered  Status = "answered"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Payload carries the kind-specific fields of a request. Only the fields
// relevant to the request's kind are populated.
type Payload struct {
	// Choices is the ordered list offered to the operator for KindChoice.
	Choices []string `json:"choices,omitempty"`

	// OldContent and NewContent are the before/after bodies for KindReview.
	OldContent string `json:"old_content,omitempty"`
	NewContent string `json:"new_content,omitempty"`
}

// Request is a unit of work awaiting a human decision.
type Request struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	ToolName  string    `json:"tool_name"`
	Prompt    string    `json:"prompt"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
}

// Response is the operator's answer to exactly one request. Value is a bool
// for confirmation requests and a string for every other kind.
type Response struct {
	RequestID  string    `json:"request_id"`
	Value      any       `json:"value"`
	AnsweredAt time.Time `json:"answered_at"`
}

// NewRequest builds a pending request with a fresh id, validating that the
// payload carries the fields the kind requires.
func NewRequest(kind Kind, toolName, prompt string, payload Payload) (*Request, error) {
	if err := ValidatePayload(kind, payload); err != nil {
		return nil, err
	}
	return &Request{
		ID:        uuid.New().String(),
		Kind:      kind,
		ToolName:  toolName,
		Prompt:    prompt,
		Payload:   payload,
		CreatedAt: time.Now(),
		Status:    StatusPending,
	}, nil
}

// ValidatePayload checks the kind-specific required fields.
func ValidatePayload(kind Kind, payload Payload) error {
	if !ValidKind(kind) {
		return NewValidationError("unknown request kind %q", kind)
	}
	switch kind {
	case KindChoice:
		if len(payload.Choices) == 0 {
			return NewValidationError("choice request requires a non-empty choices list")
		}
		for i, c := range payload.Choices {
			if c == "" {
				return NewValidationError("choice %d is empty", i)
			}
		}
	case KindReview:
		if payload.NewContent == "" {
			return NewValidationError("review request requires new_content")
		}
	}
	return nil
}

// ValidateValue checks that a response value has the shape the request kind
// expects and returns it normalized: bool for confirmation, string otherwise.
// JSON decoding hands us float64/map/slice for other shapes; those are
// rejected rather than coerced.
func ValidateValue(kind Kind, value any) (any, error) {
	switch kind {
	case KindConfirmation:
		b, ok := value.(bool)
		if !ok {
			return nil, NewValidationError("confirmation response must be a boolean, got %T", value)
		}
		return b, nil
	case KindInput, KindChoice, KindReview:
		s, ok := value.(string)
		if !ok {
			return nil, NewValidationError("%s response must be a string, got %T", kind, value)
		}
		return s, nil
	default:
		return nil, NewValidationError("unknown request kind %q", kind)
	}
}

// ValidateChoiceValue additionally checks that a choice reply is one of the
// offered choices.
func ValidateChoiceValue(choices []string, value string) error {
	for _, c := range choices {
		if c == value {
			return nil
		}
	}
	return NewValidationError("%q is not one of the offered choices", value)
}
