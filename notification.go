package gdwatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/mashiike/gdwatch/pkg/gdwatchevent"
	"google.golang.org/api/pubsub/v1"
)

// NotificationOption contains configuration for forwarding matched changes.
//
// Supported notification types:
//   - "none": console output only (default)
//   - "file": appends events to a local NDJSON file
//   - "eventbridge": sends events to Amazon EventBridge
//   - "pubsub": publishes events to the provisioned Cloud Pub/Sub topic
type NotificationOption struct {
	Type      string `help:"notification type" default:"none" enum:"none,file,eventbridge,pubsub" env:"GDWATCH_NOTIFICATION_TYPE"`
	EventBus  string `help:"event bus name (eventbridge type only)" default:"default" env:"GDWATCH_EVENTBRIDGE_EVENT_BUS"`
	EventFile string `help:"event file path (file type only)" default:"gdwatch.json" env:"GDWATCH_EVENT_FILE"`
}

// Notification delivers matched change events to downstream systems.
type Notification interface {
	SendEvents(context.Context, []*gdwatchevent.Event) error
}

// NewNotification creates a Notification implementation based on the configuration type.
// pubsubSvc and topicName are only used by the "pubsub" type.
// The returned cleanup, when not nil, releases resources held by the Notification.
func NewNotification(ctx context.Context, cfg NotificationOption, pubsubSvc *pubsub.Service, topicName string) (Notification, func() error, error) {
	switch cfg.Type {
	case "none", "":
		return NopNotification{}, nil, nil
	case "file":
		n, err := NewFileNotification(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return n, n.Close, nil
	case "eventbridge":
		n, err := NewEventBridgeNotification(ctx, cfg)
		return n, nil, err
	case "pubsub":
		if pubsubSvc == nil {
			return nil, nil, errors.New("pubsub notification requires a pubsub channel")
		}
		return NewPubSubNotification(pubsubSvc, topicName), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown notification type: %s", cfg.Type)
}

type NopNotification struct{}

func (NopNotification) SendEvents(context.Context, []*gdwatchevent.Event) error {
	return nil
}

// EventBridgeClient is the interface for Amazon EventBridge operations.
// This is satisfied by *eventbridge.Client.
type EventBridgeClient interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeNotification sends each event as a separate EventBridge entry
// whose detail-type is the event type ("File Changed", "File Removed").
type EventBridgeNotification struct {
	client   EventBridgeClient
	eventBus string
}

func NewEventBridgeNotification(ctx context.Context, cfg NotificationOption) (*EventBridgeNotification, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &EventBridgeNotification{
		client:   eventbridge.NewFromConfig(awsCfg),
		eventBus: cfg.EventBus,
	}, nil
}

func (n *EventBridgeNotification) SendEvents(ctx context.Context, events []*gdwatchevent.Event) error {
	convertor := func(ev *gdwatchevent.Event) types.PutEventsRequestEntry {
		bs, err := json.Marshal(ev)
		if err != nil {
			slog.WarnContext(ctx, "event marshal failed", "error", err)
			bs = []byte("{}")
		}
		return types.PutEventsRequestEntry{
			EventBusName: aws.String(n.eventBus),
			Resources:    []string{},
			Source:       aws.String(ev.Source),
			DetailType:   aws.String(ev.Type),
			Time:         aws.Time(ev.Time),
			Detail:       aws.String(string(bs)),
		}
	}
	var lastErr error
	for entries := range slices.Chunk(Map(events, convertor), 10) {
		output, err := n.client.PutEvents(ctx, &eventbridge.PutEventsInput{
			Entries: entries,
		})
		if err != nil {
			slog.ErrorContext(ctx, "PutEvents failed", "error", err)
			lastErr = err
			continue
		}
		for _, entry := range output.Entries {
			if entry.ErrorCode != nil {
				slog.ErrorContext(ctx, "put event error", "event_bus", n.eventBus, "error_code", aws.ToString(entry.ErrorCode), "error_message", aws.ToString(entry.ErrorMessage))
				lastErr = fmt.Errorf("put events failed error_code=%s, error_message=%s", aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
				continue
			}
			slog.InfoContext(ctx, "put event", "event_bus", n.eventBus, "event_id", aws.ToString(entry.EventId))
		}
	}
	return lastErr
}

// FileNotification appends events to a local file as newline-delimited JSON.
// The file is opened on the first SendEvents and kept open until Close.
type FileNotification struct {
	eventFile string
	fp        *os.File
}

func NewFileNotification(_ context.Context, cfg NotificationOption) (*FileNotification, error) {
	return &FileNotification{
		eventFile: cfg.EventFile,
	}, nil
}

func (n *FileNotification) SendEvents(ctx context.Context, events []*gdwatchevent.Event) error {
	if n.fp == nil {
		fp, err := os.OpenFile(n.eventFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("open event file %s: %w", n.eventFile, err)
		}
		n.fp = fp
	}
	encoder := json.NewEncoder(n.fp)
	var lastErr error
	for _, ev := range events {
		slog.DebugContext(ctx, "output change event", "event_file", n.eventFile, "type", ev.Type, "target", ev.Target)
		if err := encoder.Encode(ev); err != nil {
			lastErr = err
			slog.WarnContext(ctx, "FileNotification.SendEvents", "error", err)
		}
	}
	if err := n.fp.Sync(); err != nil && lastErr == nil {
		lastErr = err
	}
	return lastErr
}

func (n *FileNotification) Close() error {
	if n.fp == nil {
		return nil
	}
	err := n.fp.Close()
	n.fp = nil
	return err
}

// PubSubNotification publishes events to a Cloud Pub/Sub topic.
type PubSubNotification struct {
	svc   *pubsub.Service
	topic string
}

func NewPubSubNotification(svc *pubsub.Service, topicName string) *PubSubNotification {
	return &PubSubNotification{svc: svc, topic: topicName}
}

func (n *PubSubNotification) SendEvents(ctx context.Context, events []*gdwatchevent.Event) error {
	if len(events) == 0 {
		return nil
	}
	messages := make([]*pubsub.PubsubMessage, 0, len(events))
	for _, ev := range events {
		bs, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		var fileID string
		if ev.Change != nil {
			fileID = ev.Change.FileID
		}
		messages = append(messages, &pubsub.PubsubMessage{
			Data: base64.StdEncoding.EncodeToString(bs),
			Attributes: map[string]string{
				"eventId":   ev.ID,
				"eventType": ev.Type,
				"fileId":    fileID,
			},
		})
	}
	resp, err := n.svc.Projects.Topics.Publish(n.topic, &pubsub.PublishRequest{
		Messages: messages,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", n.topic, err)
	}
	slog.InfoContext(ctx, "published events", "topic", n.topic, "message_ids", resp.MessageIds)
	return nil
}
