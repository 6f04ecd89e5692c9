// Package notify emits terminal job notifications for the external email
// and in-app system.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bobarin/adreel/internal/logger"
)

// Kind is the closed set of notifications the workers emit.
type Kind int

const (
	RenderReady Kind = iota + 1
	RenderFailed
	GenerationReady
	GenerationFailed
)

func (k Kind) String() string {
	switch k {
	case RenderReady:
		return "render_ready"
	case RenderFailed:
		return "render_failed"
	case GenerationReady:
		return "generation_ready"
	case GenerationFailed:
		return "generation_failed"
	default:
		return "unknown"
	}
}

// Template is the email template key the downstream notifier renders.
func (k Kind) Template() string {
	switch k {
	case RenderReady:
		return "videos-ready"
	case RenderFailed:
		return "render-failed"
	case GenerationReady:
		return "generation-ready"
	case GenerationFailed:
		return "generation-failed"
	default:
		return ""
	}
}

func (k Kind) Valid() bool { return k.Template() != "" }

// Subject is the user-facing title for a notification.
func (k Kind) Subject(succeeded int) string {
	noun := "videos"
	if succeeded == 1 {
		noun = "video"
	}
	switch k {
	case RenderReady:
		return fmt.Sprintf("%d %s ready", succeeded, noun)
	case RenderFailed:
		return "Render failed"
	case GenerationReady:
		return fmt.Sprintf("%d generated %s ready", succeeded, noun)
	case GenerationFailed:
		return "Video generation failed"
	default:
		return ""
	}
}

// Notification is the message published to the notifications channel.
type Notification struct {
	Kind      string    `json:"kind"`
	Template  string    `json:"template"`
	Subject   string    `json:"subject"`
	TenantID  string    `json:"tenantId"`
	ActorID   string    `json:"actorId"`
	JobID     string    `json:"jobId"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	URLs      []string  `json:"urls,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Event carries the parameters of one terminal outcome.
type Event struct {
	Kind      Kind
	TenantID  string
	ActorID   string
	JobID     string
	Succeeded int
	Failed    int
	URLs      []string
}

// Publisher delivers a payload on a channel. *queue.Queue implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

type Notifier struct {
	pub     Publisher
	channel string
	log     *logger.Logger
}

func NewNotifier(pub Publisher, channel string, log *logger.Logger) *Notifier {
	return &Notifier{pub: pub, channel: channel, log: log.WithComponent("notify")}
}

// Build renders an event into its wire message.
func Build(ev Event, now time.Time) (*Notification, error) {
	if !ev.Kind.Valid() {
		return nil, fmt.Errorf("unknown notification kind %d", ev.Kind)
	}
	return &Notification{
		Kind:      ev.Kind.String(),
		Template:  ev.Kind.Template(),
		Subject:   ev.Kind.Subject(ev.Succeeded),
		TenantID:  ev.TenantID,
		ActorID:   ev.ActorID,
		JobID:     ev.JobID,
		Succeeded: ev.Succeeded,
		Failed:    ev.Failed,
		URLs:      ev.URLs,
		CreatedAt: now.UTC(),
	}, nil
}

func (n *Notifier) Send(ctx context.Context, ev Event) error {
	msg, err := Build(ev, time.Now())
	if err != nil {
		return err
	}
	if err := n.pub.Publish(ctx, n.channel, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.log.Info("Notification sent",
		zap.String("job_id", ev.JobID),
		zap.String("kind", msg.Kind),
		zap.String("actor_id", ev.ActorID),
		zap.Int("succeeded", ev.Succeeded),
		zap.Int("failed", ev.Failed),
	)
	return nil
}
