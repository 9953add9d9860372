// Package console is the operator-facing interaction surface. It polls the
// broker for pending requests, renders them one at a time (oldest first),
// validates the operator's raw input against the request's kind, and posts
// the answer back.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oversight-hq/oversight/internal/domain"
)

// errInputClosed stops the run loop when the operator's input stream ends.
var errInputClosed = errors.New("console: input closed")

type Console struct {
	baseURL    string
	httpClient *http.Client
	in         *bufio.Reader
	out        io.Writer
	logger     *slog.Logger

	// pollWait is the long-poll leg passed to /requests/next.
	pollWait time.Duration
}

// New builds a console talking to the broker at baseURL, reading operator
// input from in and rendering to out.
func New(baseURL string, in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
		in:         bufio.NewReader(in),
		out:        out,
		pollWait:   30 * time.Second,
		logger:     logger,
	}
}

// Run polls for requests until ctx is done or the input stream closes.
// Broker outages are logged and retried; they never crash the console.
func (c *Console) Run(ctx context.Context) error {
	fmt.Fprintf(c.out, "connected to %s, waiting for requests...\n", c.baseURL)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, ok, err := c.nextRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("poll failed", slog.String("error", err.Error()))
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if !ok {
			continue
		}

		if err := c.handle(req); err != nil {
			if errors.Is(err, errInputClosed) {
				return nil
			}
			c.logger.Warn("request handling failed", slog.String("id", req.ID), slog.String("error", err.Error()))
		}
	}
}

// nextRequest long-polls the broker for the oldest pending request.
func (c *Console) nextRequest(ctx context.Context) (domain.Request, bool, error) {
	url := fmt.Sprintf("%s/requests/next?wait=%d", c.baseURL, int(c.pollWait.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Request{}, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Request{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return domain.Request{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Request{}, false, fmt.Errorf("broker returned %d", resp.StatusCode)
	}

	var out domain.Request
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Request{}, false, err
	}
	return out, true, nil
}

// handle renders one request, collects a validated answer and posts it.
func (c *Console) handle(req domain.Request) error {
	c.render(req)

	value, err := c.collect(req)
	if err != nil {
		return err
	}

	return c.postResponse(req.ID, value)
}

func (c *Console) render(req domain.Request) {
	fmt.Fprintf(c.out, "\n--- %s request from %s (id %s, %s old) ---\n",
		req.Kind, orUnknown(req.ToolName), shortID(req.ID), time.Since(req.CreatedAt).Round(time.Second))
	fmt.Fprintln(c.out, req.Prompt)

	switch req.Kind {
	case domain.KindChoice:
		for i, choice := range req.Payload.Choices {
			fmt.Fprintf(c.out, "  %d) %s\n", i+1, choice)
		}
	case domain.KindReview:
		if req.Payload.OldContent != "" {
			fmt.Fprintln(c.out, "--- current ---")
			fmt.Fprintln(c.out, req.Payload.OldContent)
		}
		fmt.Fprintln(c.out, "+++ proposed +++")
		fmt.Fprintln(c.out, req.Payload.NewContent)
	}
}

// collect reads and validates the operator's reply for the request's kind,
// re-prompting on invalid input rather than posting a malformed response.
func (c *Console) collect(req domain.Request) (any, error) {
	switch req.Kind {
	case domain.KindConfirmation:
		return c.collectConfirmation()
	case domain.KindChoice:
		return c.collectChoice(req.Payload.Choices)
	case domain.KindInput:
		fmt.Fprintln(c.out, "enter your reply (finish with a line containing only EOF):")
		return c.collectMultiline()
	case domain.KindReview:
		fmt.Fprintln(c.out, "enter review instructions (finish with a line containing only EOF):")
		return c.collectMultiline()
	default:
		return nil, fmt.Errorf("console: unsupported kind %q", req.Kind)
	}
}

func (c *Console) collectConfirmation() (any, error) {
	for {
		fmt.Fprint(c.out, "[y/n]: ")
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(line) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(c.out, "please answer y or n")
	}
}

func (c *Console) collectChoice(choices []string) (any, error) {
	for {
		fmt.Fprintf(c.out, "choice [1-%d or exact text]: ", len(choices))
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if idx, err := strconv.Atoi(line); err == nil {
			if idx >= 1 && idx <= len(choices) {
				return choices[idx-1], nil
			}
			fmt.Fprintf(c.out, "choice must be between 1 and %d\n", len(choices))
			continue
		}
		if domain.ValidateChoiceValue(choices, line) == nil {
			return line, nil
		}
		fmt.Fprintln(c.out, "not one of the offered choices")
	}
}

func (c *Console) collectMultiline() (any, error) {
	var lines []string
	for {
		line, err := c.readLine()
		if err != nil {
			if errors.Is(err, errInputClosed) && len(lines) > 0 {
				break
			}
			return nil, err
		}
		if line == "EOF" {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (c *Console) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return "", errInputClosed
		}
		if !errors.Is(err, io.EOF) {
			return "", err
		}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// postResponse sends the validated value. A conflict means the request was
// answered elsewhere or expired first; the operator is informed and the
// input discarded without retrying.
func (c *Console) postResponse(id string, value any) error {
	body, err := json.Marshal(map[string]any{"request_id": id, "value": value})
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Post(c.baseURL+"/response", "application/json", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Fprintln(c.out, "response recorded")
		return nil
	case http.StatusConflict:
		fmt.Fprintln(c.out, "request was already answered or expired; your input was discarded")
		return nil
	case http.StatusNotFound:
		fmt.Fprintln(c.out, "request no longer exists; your input was discarded")
		return nil
	default:
		return fmt.Errorf("broker returned %d posting response", resp.StatusCode)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orUnknown(name string) string {
	if name == "" {
		return "unknown tool"
	}
	return name
}
