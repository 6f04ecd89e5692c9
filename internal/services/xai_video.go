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

const (
	xaiBaseURL      = "https://api.x.ai/v1"
	xaiDefaultModel = "grok-imagine-video"
)

// XAIProvider generates clips through the xAI video API.
//
// Poll responses come in two shapes: {"status":"pending"} or
// {"status":"failed","error":"..."} while not done, and a body carrying a
// "video" object once the clip is ready.
type XAIProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logger.Logger
}

// NewXAIProvider uses the public endpoint when baseURL is empty.
func NewXAIProvider(baseURL, apiKey string, log *logger.Logger) *XAIProvider {
	if baseURL == "" {
		baseURL = xaiBaseURL
	}
	if log == nil {
		log = logger.Nop()
	}
	return &XAIProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.WithComponent("xai"),
	}
}

func (p *XAIProvider) Name() string { return "xai" }

type xaiGenerationRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

type xaiVideoResult struct {
	Status string `json:"status"`
	Video  *struct {
		URL      string `json:"url"`
		Duration int    `json:"duration"`
	} `json:"video"`
	Error string `json:"error"`
}

func (p *XAIProvider) Submit(ctx context.Context, req GenerationRequest) (string, error) {
	const op = "xai.Submit"
	body := xaiGenerationRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
	}
	// "grok" on its own routes here but is not a real model id
	if body.Model == "" || body.Model == "grok" {
		body.Model = xaiDefaultModel
	}
	if body.AspectRatio == "" {
		body.AspectRatio = taskDefaultAspect
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", errs.WrapWithCode(err, errs.CodePermanent, op, "failed to marshal request")
	}

	var resp xaiGenerationResponse
	if err := p.do(ctx, op, http.MethodPost, p.baseURL+"/videos/generations", jsonData, &resp); err != nil {
		return "", err
	}
	if resp.RequestID == "" {
		return "", errs.New(errs.CodePermanent, op, "no request_id in response")
	}
	p.log.FromContext(ctx).Debug("generation submitted", zap.String("request_id", resp.RequestID), zap.String("model", body.Model))
	return resp.RequestID, nil
}

func (p *XAIProvider) Poll(ctx context.Context, requestID string) (*TaskStatus, error) {
	const op = "xai.Poll"
	var result xaiVideoResult
	if err := p.do(ctx, op, http.MethodGet, p.baseURL+"/videos/"+url.PathEscape(requestID), nil, &result); err != nil {
		return nil, err
	}

	if result.Video != nil && result.Video.URL != "" {
		return &TaskStatus{State: TaskSucceeded, ResultURLs: []string{result.Video.URL}}, nil
	}
	if result.Status == "failed" {
		msg := result.Error
		if msg == "" {
			msg = "unknown error"
		}
		return &TaskStatus{State: TaskFailed, Message: msg}, nil
	}
	return &TaskStatus{State: TaskPending}, nil
}

func (p *XAIProvider) do(ctx context.Context, op, method, endpoint string, payload []byte, out any) error {
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
	// 202 means still processing
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(op, resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.WrapWithCode(err, errs.CodePermanent, op, fmt.Sprintf("failed to parse response: %s", truncate(string(raw), 200)))
	}
	return nil
}
