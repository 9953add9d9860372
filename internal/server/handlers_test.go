package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oversight-hq/oversight/internal/domain"
	"github.com/oversight-hq/oversight/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registry.Options{}, logger)
	s := New(":0", reg, 300*time.Second, logger)
	ts := httptest.NewServer(s.Router)
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func submitRequest(t *testing.T, ts *httptest.Server, body submitRequestBody) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/request", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /request status = %d, want 201", resp.StatusCode)
	}
	out := decodeBody[map[string]string](t, resp)
	if out["id"] == "" {
		t.Fatal("POST /request returned empty id")
	}
	return out["id"]
}

func TestSubmitValidation(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name string
		body submitRequestBody
	}{
		{name: "missing prompt", body: submitRequestBody{Kind: domain.KindInput, ToolName: "t"}},
		{name: "unknown kind", body: submitRequestBody{Kind: "notify", Prompt: "p"}},
		{name: "choice without choices", body: submitRequestBody{Kind: domain.KindChoice, Prompt: "p"}},
		{name: "review without new content", body: submitRequestBody{Kind: domain.KindReview, Prompt: "p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/request", tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestChoiceRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)

	id := submitRequest(t, ts, submitRequestBody{
		Kind:     domain.KindChoice,
		ToolName: "migrator",
		Prompt:   "pick a strategy",
		Choices:  []string{"A", "B", "C"},
	})

	// The request shows up in the pending list.
	resp, err := http.Get(ts.URL + "/requests/pending")
	if err != nil {
		t.Fatalf("GET pending: %v", err)
	}
	pending := decodeBody[[]domain.Request](t, resp)
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v, want the submitted request", pending)
	}
	if len(pending[0].Payload.Choices) != 3 {
		t.Errorf("pending choices = %v", pending[0].Payload.Choices)
	}

	// Post the operator's answer.
	resp = postJSON(t, ts.URL+"/response", postResponseBody{RequestID: id, Value: "B"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /response status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// The waiting side sees the answer.
	resp, err = http.Get(ts.URL + "/response/" + id)
	if err != nil {
		t.Fatalf("GET response: %v", err)
	}
	out := decodeBody[responseStatusBody](t, resp)
	if out.Status != domain.StatusAnswered {
		t.Errorf("status = %v, want answered", out.Status)
	}
	if out.Value != "B" {
		t.Errorf("value = %v, want B", out.Value)
	}
	if out.AnsweredAt == nil {
		t.Error("answered_at missing")
	}
}

func TestPendingOrdering(t *testing.T) {
	_, ts := newTestServer(t)

	first := submitRequest(t, ts, submitRequestBody{Kind: domain.KindInput, Prompt: "first"})
	time.Sleep(5 * time.Millisecond)
	second := submitRequest(t, ts, submitRequestBody{Kind: domain.KindInput, Prompt: "second"})

	resp, err := http.Get(ts.URL + "/requests/pending")
	if err != nil {
		t.Fatalf("GET pending: %v", err)
	}
	pending := decodeBody[[]domain.Request](t, resp)
	if len(pending) != 2 {
		t.Fatalf("pending len = %d, want 2", len(pending))
	}
	if pending[0].ID != first || pending[1].ID != second {
		t.Errorf("pending order = [%s %s], want [%s %s]", pending[0].ID, pending[1].ID, first, second)
	}
}

func TestPostResponseErrors(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("unknown id", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/response", postResponseBody{RequestID: "nope", Value: "x"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("wrong value shape", func(t *testing.T) {
		id := submitRequest(t, ts, submitRequestBody{Kind: domain.KindConfirmation, Prompt: "ok?"})
		resp := postJSON(t, ts.URL+"/response", postResponseBody{RequestID: id, Value: "yes"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("off-list choice", func(t *testing.T) {
		id := submitRequest(t, ts, submitRequestBody{Kind: domain.KindChoice, Prompt: "pick", Choices: []string{"A", "B"}})
		resp := postJSON(t, ts.URL+"/response", postResponseBody{RequestID: id, Value: "Z"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("second response rejected and first preserved", func(t *testing.T) {
		id := submitRequest(t, ts, submitRequestBody{Kind: domain.KindInput, Prompt: "say"})

		resp := postJSON(t, ts.URL+"/response", postResponseBody{RequestID: id, Value: "first"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("first POST status = %d", resp.StatusCode)
		}

		resp = postJSON(t, ts.URL+"/response", postResponseBody{RequestID: id, Value: "second"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("second POST status = %d, want 409", resp.StatusCode)
		}
		env := decodeBody[errorEnvelope](t, resp)
		if env.Error == nil || env.Error.Type != domain.ErrorTypeAlreadyAnswered {
			t.Errorf("error envelope = %+v, want already_answered", env.Error)
		}

		got, err := http.Get(ts.URL + "/response/" + id)
		if err != nil {
			t.Fatalf("GET response: %v", err)
		}
		out := decodeBody[responseStatusBody](t, got)
		if out.Value != "first" {
			t.Errorf("stored value = %v, want first", out.Value)
		}
	})
}

func TestNextRequestLongPoll(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("204 when idle", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/requests/next?wait=1")
		if err != nil {
			t.Fatalf("GET next: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("status = %d, want 204", resp.StatusCode)
		}
	})

	t.Run("unblocks on submit", func(t *testing.T) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			postJSON(t, ts.URL+"/request", submitRequestBody{Kind: domain.KindInput, Prompt: "hello"})
		}()

		resp, err := http.Get(ts.URL + "/requests/next?wait=5")
		if err != nil {
			t.Fatalf("GET next: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		req := decodeBody[domain.Request](t, resp)
		if req.Prompt != "hello" {
			t.Errorf("next prompt = %q", req.Prompt)
		}
	})
}

func TestGetResponseLongPoll(t *testing.T) {
	_, ts := newTestServer(t)
	id := submitRequest(t, ts, submitRequestBody{Kind: domain.KindInput, Prompt: "waiting"})

	go func() {
		time.Sleep(50 * time.Millisecond)
		postJSON(t, ts.URL+"/response", postResponseBody{RequestID: id, Value: "done"})
	}()

	start := time.Now()
	resp, err := http.Get(ts.URL + "/response/" + id + "?wait=5")
	if err != nil {
		t.Fatalf("GET response: %v", err)
	}
	out := decodeBody[responseStatusBody](t, resp)
	if out.Status != domain.StatusAnswered || out.Value != "done" {
		t.Errorf("long poll = %+v", out)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("long poll took %v, should return soon after answer", time.Since(start))
	}
}

func TestTimeoutAndCancelEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("timeout then response conflicts", func(t *testing.T) {
		id := submitRequest(t, ts, submitRequestBody{Kind: domain.KindInput, Prompt: "p"})

		resp := postJSON(t, ts.URL+"/requests/"+id+"/timeout", struct{}{})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST timeout status = %d", resp.StatusCode)
		}

		resp = postJSON(t, ts.URL+"/response", postResponseBody{RequestID: id, Value: "late"})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("late response status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("timeout after answer is a 200 no-op", func(t *testing.T) {
		id := submitRequest(t, ts, submitRequestBody{Kind: domain.KindInput, Prompt: "p"})

		resp := postJSON(t, ts.URL+"/response", postResponseBody{RequestID: id, Value: "in time"})
		resp.Body.Close()

		resp = postJSON(t, ts.URL+"/requests/"+id+"/timeout", struct{}{})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST timeout status = %d, want 200", resp.StatusCode)
		}
		out := decodeBody[map[string]any](t, resp)
		if out["status"] != string(domain.StatusAnswered) {
			t.Errorf("status after no-op timeout = %v, want answered", out["status"])
		}
	})

	t.Run("cancel", func(t *testing.T) {
		id := submitRequest(t, ts, submitRequestBody{Kind: domain.KindConfirmation, Prompt: "sure?"})

		resp := postJSON(t, ts.URL+"/requests/"+id+"/cancel", struct{}{})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST cancel status = %d", resp.StatusCode)
		}

		got, err := http.Get(ts.URL + "/response/" + id)
		if err != nil {
			t.Fatalf("GET response: %v", err)
		}
		out := decodeBody[responseStatusBody](t, got)
		if out.Status != domain.StatusCancelled {
			t.Errorf("status = %v, want cancelled", out.Status)
		}
	})
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	submitRequest(t, ts, submitRequestBody{Kind: domain.KindInput, Prompt: "p"})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	out := decodeBody[map[string]any](t, resp)
	if out["status"] != "ok" {
		t.Errorf("health status = %v", out["status"])
	}
	if out["pending"] != float64(1) {
		t.Errorf("health pending = %v, want 1", out["pending"])
	}
}
