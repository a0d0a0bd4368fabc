package gdwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/pubsub/v1"
)

// ChannelOption contains configuration for the notification channel.
//
// Supported channel types:
//   - "pubsub": ensures a Cloud Pub/Sub topic and subscription exist (default)
//   - "none": skips provisioning
type ChannelOption struct {
	Type         string `help:"notification channel type" default:"pubsub" enum:"pubsub,none" env:"GDWATCH_CHANNEL_TYPE"`
	ProjectID    string `name:"project" help:"GCP project id (defaults to project_id of the OAuth client secret)" env:"GDWATCH_CHANNEL_PROJECT"`
	Topic        string `help:"pub/sub topic name" default:"g-drive-changes" env:"GDWATCH_CHANNEL_TOPIC"`
	Subscription string `help:"pub/sub subscription name" default:"g-drive-changes-sub" env:"GDWATCH_CHANNEL_SUBSCRIPTION"`
}

// ChannelConfig identifies where change notifications could be published.
type ChannelConfig struct {
	ProjectID    string
	Topic        string
	Subscription string
}

func (cfg ChannelConfig) TopicName() string {
	return fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, cfg.Topic)
}

func (cfg ChannelConfig) SubscriptionName() string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", cfg.ProjectID, cfg.Subscription)
}

// ChannelHandle is the provisioned channel.
type ChannelHandle struct {
	Config              ChannelConfig
	TopicCreated        bool
	SubscriptionCreated bool
}

// ChannelProvisioner ensures that a notification channel exists.
// EnsureChannel is idempotent and never removes remote resources.
type ChannelProvisioner interface {
	EnsureChannel(ctx context.Context, cfg ChannelConfig) (*ChannelHandle, error)
}

// NopChannelProvisioner provisions nothing.
type NopChannelProvisioner struct{}

func (NopChannelProvisioner) EnsureChannel(ctx context.Context, cfg ChannelConfig) (*ChannelHandle, error) {
	slog.DebugContext(ctx, "channel provisioning disabled")
	return &ChannelHandle{Config: cfg}, nil
}

// PubSubChannelProvisioner provisions a topic and a subscription on Cloud Pub/Sub.
type PubSubChannelProvisioner struct {
	svc *pubsub.Service
}

func NewPubSubChannelProvisioner(svc *pubsub.Service) *PubSubChannelProvisioner {
	return &PubSubChannelProvisioner{svc: svc}
}

func (p *PubSubChannelProvisioner) EnsureChannel(ctx context.Context, cfg ChannelConfig) (*ChannelHandle, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("project id is required for pubsub channel")
	}
	handle := &ChannelHandle{Config: cfg}
	topicName := cfg.TopicName()
	topic, err := p.svc.Projects.Topics.Create(topicName, &pubsub.Topic{}).Context(ctx).Do()
	switch {
	case err == nil:
		handle.TopicCreated = true
		slog.InfoContext(ctx, "topic created", "topic", topic.Name)
	case isGoogleAPIErrorCode(err, http.StatusConflict):
		slog.InfoContext(ctx, "topic already exists", "topic", topicName)
	default:
		return nil, fmt.Errorf("create pub/sub topic %s: %w", topicName, err)
	}

	subscriptionName := cfg.SubscriptionName()
	_, err = p.svc.Projects.Subscriptions.Get(subscriptionName).Context(ctx).Do()
	switch {
	case err == nil:
		slog.InfoContext(ctx, "subscription already exists", "subscription", subscriptionName)
		return handle, nil
	case isGoogleAPIErrorCode(err, http.StatusNotFound):
	default:
		return nil, fmt.Errorf("get pub/sub subscription %s: %w", subscriptionName, err)
	}
	sub, err := p.svc.Projects.Subscriptions.Create(subscriptionName, &pubsub.Subscription{
		Topic: topicName,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("create pub/sub subscription %s: %w", subscriptionName, err)
	}
	handle.SubscriptionCreated = true
	slog.InfoContext(ctx, "subscription created", "subscription", sub.Name, "topic", sub.Topic)
	return handle, nil
}

func isGoogleAPIErrorCode(err error, code int) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == code
}
