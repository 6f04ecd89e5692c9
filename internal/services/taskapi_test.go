package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/logger"
)

func TestParseResultURLs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"list", `["https://a/1.mp4","https://a/2.mp4"]`, []string{"https://a/1.mp4", "https://a/2.mp4"}},
		{"json string", `"[\"https://a/1.mp4\"]"`, []string{"https://a/1.mp4"}},
		{"plain string", `"https://a/1.mp4"`, []string{"https://a/1.mp4"}},
		{"null", `null`, nil},
		{"empty", ``, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResultURLs(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := ParseResultURLs(json.RawMessage(`{"a":1}`)); err == nil {
		t.Error("expected error for object")
	}
}

func TestTaskAPISubmit(t *testing.T) {
	var gotAuth string
	var gotBody taskGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/generate" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"code":200,"msg":"success","data":{"taskId":"task-1"}}`)
	}))
	defer srv.Close()

	p := NewTaskAPIProvider(srv.URL+"/", "secret", logger.Nop())
	id, err := p.Submit(context.Background(), GenerationRequest{Prompt: "a cat", AspectRatio: "16:9"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "task-1" {
		t.Errorf("task id = %s", id)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth = %s", gotAuth)
	}
	if gotBody.Prompt != "a cat" || gotBody.Model != taskDefaultModel || gotBody.AspectRatio != "16:9" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestTaskAPISubmitClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   errs.Code
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, errs.CodeRetryable},
		{"server error", http.StatusBadGateway, `{}`, errs.CodeRetryable},
		{"out of credits", http.StatusPaymentRequired, `{}`, errs.CodePermanent},
		{"bad request", http.StatusBadRequest, `{}`, errs.CodePermanent},
		{"envelope 402", http.StatusOK, `{"code":402,"msg":"insufficient credits"}`, errs.CodePermanent},
		{"envelope 429", http.StatusOK, `{"code":429,"msg":"slow down"}`, errs.CodeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewTaskAPIProvider(srv.URL, "k", nil).Submit(context.Background(), GenerationRequest{Prompt: "p"})
			if !errs.IsCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestTaskAPIPoll(t *testing.T) {
	responses := map[string]string{
		"pending": `{"code":200,"data":{"taskId":"pending","successFlag":0}}`,
		"done":    `{"code":200,"data":{"taskId":"done","successFlag":1,"response":{"resultUrls":"[\"https://cdn/x.mp4\"]"}}}`,
		"failed":  `{"code":200,"data":{"taskId":"failed","successFlag":3,"errorMessage":"content policy"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/record-info" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, responses[r.URL.Query().Get("taskId")])
	}))
	defer srv.Close()
	p := NewTaskAPIProvider(srv.URL, "k", nil)

	st, err := p.Poll(context.Background(), "pending")
	if err != nil || st.State != TaskPending {
		t.Errorf("pending: %+v, %v", st, err)
	}
	st, err = p.Poll(context.Background(), "done")
	if err != nil || st.State != TaskSucceeded || len(st.ResultURLs) != 1 || st.ResultURLs[0] != "https://cdn/x.mp4" {
		t.Errorf("done: %+v, %v", st, err)
	}
	st, err = p.Poll(context.Background(), "failed")
	if err != nil || st.State != TaskFailed || st.Message != "content policy" {
		t.Errorf("failed: %+v, %v", st, err)
	}
}

func TestProviderRouter(t *testing.T) {
	fallback := NewTaskAPIProvider("http://x", "k", nil)
	r := NewProviderRouter(fallback)
	other := NewTaskAPIProvider("http://y", "k", nil)
	r.Route("veo", other)

	if p, _ := r.For("veo-3.1-generate-preview"); p != other {
		t.Error("expected veo prefix to route to the veo provider")
	}
	if p, _ := r.For("kling"); p != fallback {
		t.Error("expected fallback for unknown model")
	}
	if _, err := NewProviderRouter(nil).For("x"); !errs.IsCode(err, errs.CodePermanent) {
		t.Errorf("expected PERMANENT without providers, got %v", err)
	}
}

func TestIsRetryableError(t *testing.T) {
	if !IsRetryableError(fmt.Errorf("read tcp: connection reset by peer")) {
		t.Error("connection reset should retry")
	}
	if IsRetryableError(context.Canceled) {
		t.Error("cancellation should not retry")
	}
	if IsRetryableError(nil) {
		t.Error("nil should not retry")
	}
}
