package gdwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/mashiike/gcreds4aws"
	"github.com/mashiike/slogutils"
	"github.com/mattn/go-isatty"
	"google.golang.org/api/drive/v3"
)

// CLI is the command-line interface for gdwatch.
//
// Use the Run method to execute the CLI:
//
//	var cli gdwatch.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// Available commands:
//   - shell: interactive menu (default)
//   - list: list files
//   - download: download a file
//   - users: list users with access to a file
//   - watch: watch a file for changes
//   - poll: poll changes of a file once (Lambda handler on AWS Lambda)
//   - auth: run the OAuth consent flow and save the token
//   - validate: validate an S3 copy configuration file
type CLI struct {
	LogLevel     string             `help:"log level" default:"info" env:"GDWATCH_LOG_LEVEL"`
	LogFormat    string             `help:"log format" default:"text" enum:"text,json" env:"GDWATCH_LOG_FORMAT"`
	LogColor     bool               `help:"enable color output" default:"true" env:"GDWATCH_LOG_COLOR" negatable:""`
	Version      kong.VersionFlag   `help:"show version"`
	Config       kong.ConfigFlag    `help:"path to YAML config file" env:"GDWATCH_CONFIG"`
	AuthOption   `embed:""`
	Storage      StorageOption      `embed:"" prefix:"storage-"`
	Channel      ChannelOption      `embed:"" prefix:"channel-"`
	Notification NotificationOption `embed:"" prefix:"notification-"`

	Shell    ShellOption    `cmd:"" help:"interactive menu" default:"true"`
	List     ListOption     `cmd:"" help:"list files"`
	Download DownloadOption `cmd:"" help:"download a file (Google Workspace documents are exported)"`
	Users    UsersOption    `cmd:"" help:"list users with access to a file"`
	Watch    WatchOption    `cmd:"" help:"watch a file for changes until interrupted"`
	Poll     WatchOption    `cmd:"" help:"poll changes of a file once; runs as a handler on AWS Lambda"`
	Auth     AuthCommand    `cmd:"" help:"authorize with Google and save the token"`
	Validate ValidateOption `cmd:"" help:"validate an S3 copy configuration file"`

	stdout io.Writer `kong:"-"`
	stdin  io.Reader `kong:"-"`
}

// AuthCommand contains options for the auth command.
type AuthCommand struct {
	Force bool `help:"discard the saved token and authorize again"`
}

// ValidateOption contains options for the validate command.
type ValidateOption struct {
	S3CopyConfig string `arg:"" name:"config-file" help:"path to S3 copy configuration file"`
}

// Run parses command-line arguments and executes the appropriate command.
// Returns 0 on success, 1 on error.
func (c *CLI) Run(ctx context.Context) int {
	k := kong.Parse(c,
		kong.Name("gdwatch"),
		kong.Description("gdwatch is a Google Drive client that lists, downloads and watches files."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
		kong.Configuration(YAMLConfigLoader, "gdwatch.yaml"),
	)
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
		k.Fatalf("invalid log level: %s", c.LogLevel)
	}
	logger := newLogger(logLevel, c.LogFormat, c.LogColor && isatty.IsTerminal(os.Stderr.Fd()))
	slog.SetDefault(logger)
	if err := c.run(ctx, k.Command()); err != nil {
		slog.Error("runtime error", "details", err)
		return 1
	}
	return 0
}

func (c *CLI) run(ctx context.Context, cmd string) error {
	if c.stdout == nil {
		c.stdout = os.Stdout
	}
	if c.stdin == nil {
		c.stdin = os.Stdin
	}
	name, _, _ := strings.Cut(cmd, " ")
	switch name {
	case "auth":
		return c.runAuth(ctx)
	case "validate":
		return c.runValidate(ctx)
	}
	app, err := c.newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.WarnContext(ctx, "app cleanup error", "details", err)
		}
	}()
	switch name {
	case "shell", "":
		fmt.Fprintln(c.stdout, "Authorization successful!")
		fmt.Fprintln(c.stdout)
		return app.Shell(ctx, c.Shell)
	case "list":
		return app.List(ctx, c.List)
	case "download":
		return app.Download(ctx, c.Download)
	case "users":
		return app.Users(ctx, c.Users)
	case "watch":
		return app.Watch(ctx, c.Watch)
	case "poll":
		return app.Poll(ctx, c.Poll)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *CLI) newApp(ctx context.Context) (*App, error) {
	prompter := NewPrompter(c.stdin, c.stdout)
	gcpOpts, projectID, err := c.AuthOption.GoogleClientOptions(ctx, prompter, c.stdout)
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	app, err := New(ctx, AppConfig{
		Storage:      c.Storage,
		Channel:      c.Channel,
		Notification: c.Notification,
		ProjectID:    projectID,
		Prompter:     prompter,
		Stdout:       c.stdout,
	}, gcpOpts...)
	if err != nil {
		gcreds4aws.Close()
		return nil, err
	}
	app.AddCleanup(gcreds4aws.Close)
	return app, nil
}

func (c *CLI) runAuth(ctx context.Context) error {
	if c.Auth.Force {
		if err := os.Remove(c.TokenFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove token file: %w", err)
		}
	}
	prompter := NewPrompter(c.stdin, c.stdout)
	gcpOpts, projectID, err := c.AuthOption.GoogleClientOptions(ctx, prompter, c.stdout)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	defer gcreds4aws.Close()
	svc, err := drive.NewService(ctx, gcpOpts...)
	if err != nil {
		return fmt.Errorf("create Google Drive Service: %w", err)
	}
	about, err := svc.About.Get().Fields("user(displayName,emailAddress)").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get authorized user: %w", err)
	}
	slog.InfoContext(ctx, "authorized", "project_id", coalesce(projectID, "-"))
	fmt.Fprintln(c.stdout, "Authorization successful!")
	if about.User != nil {
		fmt.Fprintf(c.stdout, "Signed in as %s (%s)\n", about.User.DisplayName, about.User.EmailAddress)
	}
	return nil
}

func (c *CLI) runValidate(ctx context.Context) error {
	env, err := NewCELEnv()
	if err != nil {
		return fmt.Errorf("create CEL environment: %w", err)
	}
	slog.InfoContext(ctx, "validating S3 copy configuration", "path", c.Validate.S3CopyConfig)
	cfg, err := LoadS3CopyConfig(c.Validate.S3CopyConfig, env)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	slog.InfoContext(ctx, "configuration is valid",
		"rules", len(cfg.Rules),
		"default_bucket", cfg.BucketName.Raw(),
		"default_object_key_is_expr", cfg.ObjectKey.IsExpr(),
	)
	for i, rule := range cfg.Rules {
		slog.InfoContext(ctx, "rule validated",
			"index", i,
			"when", rule.When.Raw(),
			"skip", rule.Skip,
			"export", rule.Export,
		)
	}
	fmt.Fprintln(c.stdout, "Configuration is valid")
	return nil
}

func newLogger(level slog.Level, format string, c bool) *slog.Logger {
	var f func(io.Writer, *slog.HandlerOptions) slog.Handler
	switch format {
	case "json":
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewJSONHandler(w, ho)
		}
	default:
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewTextHandler(w, ho)
		}
	}
	var modifierFuncs map[slog.Level]slogutils.ModifierFunc
	if c {
		modifierFuncs = map[slog.Level]slogutils.ModifierFunc{
			slog.LevelDebug: slogutils.Color(color.FgBlack),
			slog.LevelInfo:  nil,
			slog.LevelWarn:  slogutils.Color(color.FgYellow),
			slog.LevelError: slogutils.Color(color.FgRed, color.Bold),
		}
	}
	middleware := slogutils.NewMiddleware(
		f,
		slogutils.MiddlewareOptions{
			Writer:        os.Stderr,
			ModifierFuncs: modifierFuncs,
			HandlerOptions: &slog.HandlerOptions{
				Level:     level,
				AddSource: level == slog.LevelDebug,
			},
			RecordTransformerFuncs: []slogutils.RecordTransformerFunc{
				slogutils.ConvertLegacyLevel(
					map[string]slog.Level{
						"debug": slog.LevelDebug,
						"info":  slog.LevelInfo,
						"warn":  slog.LevelWarn,
						"error": slog.LevelError,
					},
					true,
				),
			},
		},
	)
	return slog.New(middleware)
}
