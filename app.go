package gdwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/pubsub/v1"
)

// App coordinates the Drive and Pub/Sub services, the cursor store and the
// notification output behind the CLI commands.
type App struct {
	driveSvc     *drive.Service
	storage      Storage
	cursorName   string
	provisioner  ChannelProvisioner
	channel      ChannelConfig
	notification Notification
	prompter     *Prompter
	stdout       io.Writer
	s3Uploader   *S3Uploader
	cleanupFns   []func() error
}

// AppConfig groups the options needed to build an App.
type AppConfig struct {
	Storage      StorageOption
	Channel      ChannelOption
	Notification NotificationOption

	// ProjectID is the fallback GCP project when Channel.ProjectID is empty.
	ProjectID string
	Prompter  *Prompter
	Stdout    io.Writer
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	awsOpts := make([]func(*config.LoadOptions) error, 0)
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		awsOpts = append(awsOpts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return *aws.NewConfig(), fmt.Errorf("load AWS config: %w", err)
	}
	return awsCfg, nil
}

// New creates an App. gcpOpts are passed to both the Drive and Pub/Sub services.
func New(ctx context.Context, cfg AppConfig, gcpOpts ...option.ClientOption) (*App, error) {
	driveSvc, err := drive.NewService(ctx, gcpOpts...)
	if err != nil {
		return nil, fmt.Errorf("create Google Drive Service: %w", err)
	}
	pubsubSvc, err := pubsub.NewService(ctx, gcpOpts...)
	if err != nil {
		return nil, fmt.Errorf("create Cloud Pub/Sub Service: %w", err)
	}
	storage, err := NewStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create Storage: %w", err)
	}
	channel := ChannelConfig{
		ProjectID:    coalesce(cfg.Channel.ProjectID, cfg.ProjectID),
		Topic:        coalesce(cfg.Channel.Topic, "g-drive-changes"),
		Subscription: coalesce(cfg.Channel.Subscription, "g-drive-changes-sub"),
	}
	var provisioner ChannelProvisioner
	switch cfg.Channel.Type {
	case "pubsub", "":
		provisioner = NewPubSubChannelProvisioner(pubsubSvc)
	case "none":
		provisioner = NopChannelProvisioner{}
	default:
		return nil, fmt.Errorf("unknown channel type: %s", cfg.Channel.Type)
	}
	if cfg.Notification.Type == "pubsub" && cfg.Channel.Type == "none" {
		return nil, errors.New("pubsub notification requires a provisioned topic (--channel-type pubsub)")
	}
	var topicName string
	if channel.ProjectID != "" {
		topicName = channel.TopicName()
	} else if cfg.Notification.Type == "pubsub" {
		return nil, errors.New("pubsub notification requires a GCP project id (--channel-project)")
	}
	cleanupFns := make([]func() error, 0)
	notification, cleanup, err := NewNotification(ctx, cfg.Notification, pubsubSvc, topicName)
	if err != nil {
		return nil, fmt.Errorf("create Notification: %w", err)
	}
	if cleanup != nil {
		cleanupFns = append(cleanupFns, cleanup)
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	prompter := cfg.Prompter
	if prompter == nil {
		prompter = NewPrompter(os.Stdin, stdout)
	}
	app := &App{
		driveSvc:     driveSvc,
		storage:      storage,
		cursorName:   coalesce(cfg.Storage.CursorName, "default"),
		provisioner:  provisioner,
		channel:      channel,
		notification: notification,
		prompter:     prompter,
		stdout:       stdout,
		cleanupFns:   cleanupFns,
	}
	return app, nil
}

// AddCleanup registers fn to run on Close.
func (app *App) AddCleanup(fn func() error) {
	app.cleanupFns = append(app.cleanupFns, fn)
}

func (app *App) Close() error {
	eg, ctx := errgroup.WithContext(context.Background())
	for i, cleanup := range app.cleanupFns {
		eg.Go(func() error {
			slog.DebugContext(ctx, "start cleanup", "index", i)
			if err := cleanup(); err != nil {
				slog.DebugContext(ctx, "error cleanup", "index", i, "error", err)
				return err
			}
			slog.DebugContext(ctx, "end cleanup", "index", i)
			return nil
		})
	}
	return eg.Wait()
}

// Watch polls the change feed for opt.FileID until ctx is done.
func (app *App) Watch(ctx context.Context, opt WatchOption) error {
	poller, err := app.newPoller(ctx, opt)
	if err != nil {
		return err
	}
	return poller.Run(ctx)
}

// Poll runs a single poll cycle for opt.FileID.
// On AWS Lambda every invocation runs one cycle.
func (app *App) Poll(ctx context.Context, opt WatchOption) error {
	poller, err := app.newPoller(ctx, opt)
	if err != nil {
		return err
	}
	if isLambda() {
		return startLambdaHandler(ctx, poller)
	}
	return poller.RunOnce(ctx)
}

func (app *App) newPoller(ctx context.Context, opt WatchOption) (*Poller, error) {
	opt = opt.withDefaults()
	var filter *ChangeFilter
	if opt.Filter != "" {
		env, err := NewCELEnv()
		if err != nil {
			return nil, err
		}
		filter, err = env.Compile(opt.Filter)
		if err != nil {
			return nil, fmt.Errorf("compile filter: %w", err)
		}
	}
	var copier ChangeCopier
	if opt.S3CopyConfig != "" {
		s3Copier, err := app.newS3Copier(ctx, opt.S3CopyConfig)
		if err != nil {
			return nil, fmt.Errorf("setup S3 copier: %w", err)
		}
		copier = s3Copier
	}
	return NewPoller(PollerConfig{
		Target:       opt.FileID,
		CursorName:   app.cursorName,
		Source:       NewDriveChangeSource(app.driveSvc),
		Storage:      app.storage,
		Provisioner:  app.provisioner,
		Channel:      app.channel,
		Notification: app.notification,
		Reporter:     NewReporter(app.stdout),
		Filter:       filter,
		Copier:       copier,
		RetryPolicy: RetryPolicy{
			MinDelay: opt.RetryDelay,
			MaxDelay: opt.MaxRetryDelay,
		},
		Interval:     opt.Interval,
		PageInterval: opt.PageInterval,
		KnownName:    app.fileName(ctx, opt.FileID),
	})
}

func (app *App) newS3Copier(ctx context.Context, path string) (*S3Copier, error) {
	env, err := NewCELEnv()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadS3CopyConfig(path, env)
	if err != nil {
		return nil, err
	}
	uploader, err := app.getS3Uploader(ctx)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "S3 copy enabled", "config", path, "rules", len(cfg.Rules))
	return NewS3Copier(cfg, app.driveSvc, uploader), nil
}

// fileName looks up the current name of a file. Failures are not fatal.
func (app *App) fileName(ctx context.Context, fileID string) string {
	if fileID == "" {
		return ""
	}
	f, err := app.driveSvc.Files.Get(fileID).Fields("name").Context(ctx).Do()
	if err != nil {
		slog.DebugContext(ctx, "failed to get file name", "file_id", fileID, "error", err)
		return ""
	}
	return f.Name
}

// WatchOption contains options for the watch and poll commands.
type WatchOption struct {
	FileID        string        `arg:"" name:"file-id" help:"id of the file to watch"`
	Interval      time.Duration `help:"wait after each successful poll" default:"0s" env:"GDWATCH_INTERVAL"`
	PageInterval  time.Duration `help:"wait between change pages of one poll" default:"0s" env:"GDWATCH_PAGE_INTERVAL"`
	RetryDelay    time.Duration `help:"wait before retrying a failed poll" default:"5s" env:"GDWATCH_RETRY_DELAY"`
	MaxRetryDelay time.Duration `help:"upper bound of the retry wait; larger than retry-delay enables exponential backoff" default:"5s" env:"GDWATCH_MAX_RETRY_DELAY"`
	Filter        string        `help:"CEL expression that must evaluate to true for a change to be reported" env:"GDWATCH_FILTER"`
	S3CopyConfig  string        `name:"s3-copy-config" help:"path to S3 copy configuration file" env:"GDWATCH_S3_COPY_CONFIG"`
}

func (opt WatchOption) withDefaults() WatchOption {
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if opt.MaxRetryDelay < opt.RetryDelay {
		opt.MaxRetryDelay = opt.RetryDelay
	}
	return opt
}
