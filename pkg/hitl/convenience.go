package hitl

import (
	"context"
	"time"

	"github.com/oversight-hq/oversight/internal/domain"
)

// RequestInput asks the operator for free-form text. timeout <= 0 uses the
// client default. With HITL disabled it returns "" immediately.
func (c *Client) RequestInput(ctx context.Context, toolName, prompt string, timeout time.Duration) (string, error) {
	value, err := c.Request(ctx, domain.KindInput, toolName, prompt, domain.Payload{}, timeout)
	return asString(value), err
}

// RequestConfirmation asks the operator for a yes/no decision. With HITL
// disabled it returns true immediately.
func (c *Client) RequestConfirmation(ctx context.Context, toolName, prompt string, timeout time.Duration) (bool, error) {
	value, err := c.Request(ctx, domain.KindConfirmation, toolName, prompt, domain.Payload{}, timeout)
	if err != nil {
		return false, err
	}
	b, _ := value.(bool)
	return b, nil
}

// RequestChoice asks the operator to pick one of choices and returns the
// chosen entry.
func (c *Client) RequestChoice(ctx context.Context, toolName, prompt string, choices []string, timeout time.Duration) (string, error) {
	value, err := c.Request(ctx, domain.KindChoice, toolName, prompt, domain.Payload{Choices: choices}, timeout)
	return asString(value), err
}

// RequestReview asks the operator to review a proposed content change. The
// reply is a free-text instruction; the broker never interprets it.
func (c *Client) RequestReview(ctx context.Context, toolName, prompt, oldContent, newContent string, timeout time.Duration) (string, error) {
	value, err := c.Request(ctx, domain.KindReview, toolName, prompt, domain.Payload{
		OldContent: oldContent,
		NewContent: newContent,
	}, timeout)
	return asString(value), err
}

func asString(value any) string {
	s, _ := value.(string)
	return s
}
