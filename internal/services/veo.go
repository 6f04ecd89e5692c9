package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/logger"
)

const defaultVeoModel = "veo-3.1-generate-preview"

// VeoProvider generates videos with Google's Veo models through the Gen AI
// SDK. Task ids are long-running operation names.
type VeoProvider struct {
	client *genai.Client
	log    *logger.Logger

	// inline holds results returned as bytes rather than a download URI,
	// keyed by operation name, until Download claims them.
	mu     sync.Mutex
	inline map[string][]byte
}

// NewVeoProvider creates a client for the Gemini API backend.
func NewVeoProvider(ctx context.Context, apiKey string, log *logger.Logger) (*VeoProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &VeoProvider{client: client, log: log.WithComponent("veo"), inline: map[string][]byte{}}, nil
}

func (p *VeoProvider) Name() string { return "veo" }

func (p *VeoProvider) Submit(ctx context.Context, req GenerationRequest) (string, error) {
	const op = "veo.Submit"
	model := req.Model
	if model == "" {
		model = defaultVeoModel
	}
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = "9:16"
	}
	config := &genai.GenerateVideosConfig{
		AspectRatio:    aspect,
		NumberOfVideos: 1,
	}

	operation, err := p.client.Models.GenerateVideos(ctx, model, req.Prompt, nil, config)
	if err != nil {
		return "", classifyGenAI(op, err)
	}
	p.log.FromContext(ctx).Debug("operation started", zap.String("operation", operation.Name), zap.String("model", model))
	return operation.Name, nil
}

func (p *VeoProvider) Poll(ctx context.Context, taskID string) (*TaskStatus, error) {
	const op = "veo.Poll"
	operation, err := p.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: taskID}, nil)
	if err != nil {
		return nil, classifyGenAI(op, err)
	}
	if !operation.Done {
		return &TaskStatus{State: TaskPending}, nil
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return &TaskStatus{State: TaskFailed, Message: string(errJSON)}, nil
	}
	resp := operation.Response
	if resp == nil {
		return &TaskStatus{State: TaskFailed, Message: "no response in completed operation"}, nil
	}
	if resp.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(resp.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(resp.RAIMediaFilteredReasons, ", ")
		}
		return &TaskStatus{State: TaskFailed, Message: "blocked by safety filters: " + reasons}, nil
	}
	if len(resp.GeneratedVideos) == 0 || resp.GeneratedVideos[0].Video == nil {
		return &TaskStatus{State: TaskFailed, Message: "no videos in response"}, nil
	}

	video := resp.GeneratedVideos[0].Video
	if video.URI == "" && len(video.VideoBytes) > 0 {
		p.mu.Lock()
		p.inline[taskID] = video.VideoBytes
		p.mu.Unlock()
		return &TaskStatus{State: TaskSucceeded, ResultURLs: []string{"inline:" + taskID}}, nil
	}
	return &TaskStatus{State: TaskSucceeded, ResultURLs: []string{video.URI}}, nil
}

// Download fetches the result through the Files API, which needs the
// API key, and writes it to dst.
func (p *VeoProvider) Download(ctx context.Context, taskID, resultURL, dst string) error {
	const op = "veo.Download"
	var data []byte
	if strings.HasPrefix(resultURL, "inline:") {
		p.mu.Lock()
		data = p.inline[taskID]
		delete(p.inline, taskID)
		p.mu.Unlock()
	} else {
		var err error
		data, err = p.client.Files.Download(ctx, genai.NewDownloadURIFromVideo(&genai.Video{URI: resultURL}), nil)
		if err != nil {
			return classifyGenAI(op, err)
		}
	}
	if len(data) == 0 {
		return errs.New(errs.CodePermanent, op, "downloaded video is empty")
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return errs.Wrap(err, op, "failed to write video")
	}
	return nil
}

// classifyGenAI maps SDK errors onto retryable and permanent codes.
func classifyGenAI(op string, err error) error {
	var apiErr genai.APIError
	if asAPIError(err, &apiErr) {
		return classifyStatus(op, apiErr.Code, apiErr.Message)
	}
	return classifyTransport(op, err)
}

func asAPIError(err error, target *genai.APIError) bool {
	switch e := err.(type) {
	case genai.APIError:
		*target = e
		return true
	case *genai.APIError:
		*target = *e
		return true
	}
	return false
}
