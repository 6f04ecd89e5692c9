package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/logger"
)

// Task API generation provider.
// Submit: POST {base}/generate -> data.taskId.
// Poll:   GET  {base}/record-info?taskId=... -> data.successFlag
// (0 generating, 1 success, 2 create failed, 3 generate failed).

const (
	taskDefaultModel  = "veo3_fast"
	taskDefaultAspect = "9:16"
)

// TaskAPIProvider talks to a task-style REST generation API.
type TaskAPIProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logger.Logger
}

func NewTaskAPIProvider(baseURL, apiKey string, log *logger.Logger) *TaskAPIProvider {
	if log == nil {
		log = logger.Nop()
	}
	return &TaskAPIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			// per call, not the whole poll cycle
			Timeout: 30 * time.Second,
		},
		log: log.WithComponent("taskapi"),
	}
}

func (p *TaskAPIProvider) Name() string { return "taskapi" }

type taskGenerateRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	AspectRatio string `json:"aspectRatio"`
	EnableAudio bool   `json:"enableAudio"`
}

// taskEnvelope wraps every response. Code mirrors HTTP semantics and may be
// non-200 even when the HTTP status is 200.
type taskEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type taskGenerateData struct {
	TaskID string `json:"taskId"`
}

type taskRecordData struct {
	TaskID       string `json:"taskId"`
	SuccessFlag  int    `json:"successFlag"`
	ErrorMessage string `json:"errorMessage"`
	Response     *struct {
		ResultURLs json.RawMessage `json:"resultUrls"`
	} `json:"response"`
}

func (p *TaskAPIProvider) Submit(ctx context.Context, req GenerationRequest) (string, error) {
	const op = "taskapi.Submit"
	body := taskGenerateRequest{
		Prompt:      req.Prompt,
		Model:       req.Model,
		AspectRatio: req.AspectRatio,
		EnableAudio: req.WithAudio,
	}
	if body.Model == "" {
		body.Model = taskDefaultModel
	}
	if body.AspectRatio == "" {
		body.AspectRatio = taskDefaultAspect
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", errs.WrapWithCode(err, errs.CodePermanent, op, "failed to marshal request")
	}

	var data taskGenerateData
	if err := p.do(ctx, op, http.MethodPost, p.baseURL+"/generate", jsonData, &data); err != nil {
		return "", err
	}
	if data.TaskID == "" {
		return "", errs.New(errs.CodePermanent, op, "no taskId in response")
	}
	p.log.FromContext(ctx).Debug("generation submitted", zap.String("task_id", data.TaskID), zap.String("model", body.Model))
	return data.TaskID, nil
}

func (p *TaskAPIProvider) Poll(ctx context.Context, taskID string) (*TaskStatus, error) {
	const op = "taskapi.Poll"
	var data taskRecordData
	endpoint := p.baseURL + "/record-info?taskId=" + url.QueryEscape(taskID)
	if err := p.do(ctx, op, http.MethodGet, endpoint, nil, &data); err != nil {
		return nil, err
	}

	switch data.SuccessFlag {
	case 0:
		return &TaskStatus{State: TaskPending}, nil
	case 1:
		var raw json.RawMessage
		if data.Response != nil {
			raw = data.Response.ResultURLs
		}
		urls, err := ParseResultURLs(raw)
		if err != nil {
			return nil, errs.WrapWithCode(err, errs.CodePermanent, op, "bad resultUrls")
		}
		if len(urls) == 0 {
			return nil, errs.New(errs.CodePermanent, op, "success without result urls")
		}
		return &TaskStatus{State: TaskSucceeded, ResultURLs: urls}, nil
	default:
		msg := data.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("successFlag=%d", data.SuccessFlag)
		}
		return &TaskStatus{State: TaskFailed, Message: msg}, nil
	}
}

func (p *TaskAPIProvider) do(ctx context.Context, op, method, endpoint string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errs.WrapWithCode(err, errs.CodePermanent, op, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(op, resp.StatusCode, string(raw))
	}

	var env taskEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errs.WrapWithCode(err, errs.CodePermanent, op, "failed to parse response: "+truncate(string(raw), 200))
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		return classifyStatus(op, env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errs.WrapWithCode(err, errs.CodePermanent, op, "failed to parse data")
		}
	}
	return nil
}

// ParseResultURLs accepts a JSON list of URLs, a JSON string holding such a
// list, or a JSON string holding a single URL.
func ParseResultURLs(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("resultUrls is neither a list nor a string: %w", err)
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	if strings.HasPrefix(encoded, "[") {
		if err := json.Unmarshal([]byte(encoded), &list); err != nil {
			return nil, fmt.Errorf("resultUrls string is not a JSON list: %w", err)
		}
		return list, nil
	}
	return []string{encoded}, nil
}
