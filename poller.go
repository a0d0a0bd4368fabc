package gdwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Songmu/flextime"
	"github.com/mashiike/gdwatch/pkg/gdwatchevent"
)

const maxPollPages = 10000

// PollerConfig wires a Poller to its collaborators.
type PollerConfig struct {
	Target       string
	CursorName   string
	Source       ChangeSource
	Storage      Storage
	Provisioner  ChannelProvisioner
	Channel      ChannelConfig
	Notification Notification
	Reporter     *Reporter
	Filter       *ChangeFilter
	Copier       ChangeCopier
	RetryPolicy  RetryPolicy

	// Interval is the wait after a successful cycle. Zero polls again immediately.
	Interval time.Duration
	// PageInterval is the wait between pages of one cycle.
	PageInterval time.Duration
	// KnownName seeds the name reported for removed changes without a file snapshot.
	KnownName string
}

// Poller follows the Drive change feed for one watched file.
//
// A cycle fetches every page since the cursor, reports the changes of the
// target, forwards them to the notification output and saves the new start
// page token. A failed cycle never moves the cursor.
type Poller struct {
	target       string
	cursorName   string
	source       ChangeSource
	storage      Storage
	provisioner  ChannelProvisioner
	channel      ChannelConfig
	notification Notification
	reporter     *Reporter
	filter       *ChangeFilter
	copier       ChangeCopier
	retry        RetryPolicy
	interval     time.Duration
	pageInterval time.Duration

	lastKnownName string
}

func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Target == "" {
		return nil, errors.New("watch target file id is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("change source is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if cfg.Reporter == nil {
		return nil, errors.New("reporter is required")
	}
	p := &Poller{
		target:        cfg.Target,
		cursorName:    cfg.CursorName,
		source:        cfg.Source,
		storage:       cfg.Storage,
		provisioner:   cfg.Provisioner,
		channel:       cfg.Channel,
		notification:  cfg.Notification,
		reporter:      cfg.Reporter,
		filter:        cfg.Filter,
		copier:        cfg.Copier,
		retry:         cfg.RetryPolicy,
		interval:      cfg.Interval,
		pageInterval:  cfg.PageInterval,
		lastKnownName: cfg.KnownName,
	}
	if p.cursorName == "" {
		p.cursorName = "default"
	}
	if p.provisioner == nil {
		p.provisioner = NopChannelProvisioner{}
	}
	if p.notification == nil {
		p.notification = NopNotification{}
	}
	if p.retry.MinDelay <= 0 {
		p.retry.MinDelay = DefaultRetryDelay
	}
	if p.retry.MaxDelay < p.retry.MinDelay {
		p.retry.MaxDelay = p.retry.MinDelay
	}
	return p, nil
}

// Run provisions the channel, loads the cursor and polls until ctx is done.
// Only setup failures are returned; cycle failures are retried forever.
func (p *Poller) Run(ctx context.Context) error {
	cursor, err := p.setup(ctx)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "start watching changes", "file_id", p.target, "cursor", coalesce(cursor, "-"))
	attempt := 0
	for ctx.Err() == nil {
		if cursor == "" {
			// the start cursor is kept across failed cycles
			start, err := p.source.StartCursor(ctx)
			if err != nil {
				attempt++
				if !p.backoff(ctx, attempt, fmt.Errorf("get start cursor: %w", err)) {
					break
				}
				continue
			}
			cursor = start
		}
		next, err := p.Cycle(ctx, cursor)
		if err != nil {
			attempt++
			if !p.backoff(ctx, attempt, err) {
				break
			}
			continue
		}
		attempt = 0
		cursor = next
		if p.interval > 0 {
			if err := sleepContext(ctx, p.interval); err != nil {
				break
			}
		}
	}
	slog.InfoContext(ctx, "stop watching changes", "file_id", p.target)
	return nil
}

// backoff logs a failed attempt and waits before the next one.
// It returns false when ctx is done.
func (p *Poller) backoff(ctx context.Context, attempt int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	slog.ErrorContext(ctx, "error while watching changes",
		"file_id", p.target,
		"attempt", attempt,
		"retry_in", p.retry.Delay(attempt),
		"error", err,
	)
	return p.retry.Wait(ctx, attempt) == nil
}

// RunOnce provisions the channel, loads the cursor and runs a single cycle.
func (p *Poller) RunOnce(ctx context.Context) error {
	cursor, err := p.setup(ctx)
	if err != nil {
		return err
	}
	if _, err := p.Cycle(ctx, cursor); err != nil {
		return fmt.Errorf("poll changes: %w", err)
	}
	return nil
}

func (p *Poller) setup(ctx context.Context) (string, error) {
	handle, err := p.provisioner.EnsureChannel(ctx, p.channel)
	if err != nil {
		return "", fmt.Errorf("provision notification channel: %w", err)
	}
	slog.DebugContext(ctx, "notification channel ready",
		"topic", coalesce(handle.Config.Topic, "-"),
		"subscription", coalesce(handle.Config.Subscription, "-"),
	)
	item, err := p.storage.LoadCursor(ctx, p.cursorName)
	if err != nil {
		if IsCursorNotFound(err) {
			slog.InfoContext(ctx, "no saved cursor, start from the latest changes", "cursor_name", p.cursorName)
			return "", nil
		}
		return "", fmt.Errorf("load cursor %s: %w", p.cursorName, err)
	}
	return item.Cursor, nil
}

// PollOnce fetches all changes since cursor and returns the ones of the
// watched file in API order, together with the cursor to resume from.
// An empty cursor starts from the latest position of the change feed.
func (p *Poller) PollOnce(ctx context.Context, cursor string) ([]*gdwatchevent.Change, string, error) {
	token := cursor
	if token == "" {
		start, err := p.source.StartCursor(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("get start cursor: %w", err)
		}
		slog.DebugContext(ctx, "start from the latest cursor", "cursor", start)
		token = start
	}
	matched := make([]*gdwatchevent.Change, 0)
	for page := 0; page < maxPollPages; page++ {
		if page > 0 && p.pageInterval > 0 {
			if err := sleepContext(ctx, p.pageInterval); err != nil {
				return nil, "", err
			}
		}
		resp, err := p.source.ListChanges(ctx, token, MaxChangesPageSize)
		if err != nil {
			return nil, "", err
		}
		matched = append(matched, Filter(resp.Changes, func(c *gdwatchevent.Change) bool {
			return c != nil && c.FileID == p.target && p.match(ctx, c)
		})...)
		if resp.NewStartPageToken != "" {
			return matched, resp.NewStartPageToken, nil
		}
		if resp.NextPageToken == "" {
			return nil, "", errors.New("changes list returned neither nextPageToken nor newStartPageToken")
		}
		token = resp.NextPageToken
	}
	return nil, "", fmt.Errorf("exceeded maximum page count (%d)", maxPollPages)
}

func (p *Poller) match(ctx context.Context, c *gdwatchevent.Change) bool {
	if p.filter == nil {
		return true
	}
	ok, err := p.filter.Match(p.target, c)
	if err != nil {
		slog.WarnContext(ctx, "filter evaluation failed, keep the change", "filter", p.filter.String(), "error", err)
		return true
	}
	return ok
}

// Cycle runs PollOnce, reports and forwards the matched changes, and saves
// the new cursor. It returns the cursor to use for the next cycle.
func (p *Poller) Cycle(ctx context.Context, cursor string) (string, error) {
	changes, next, err := p.PollOnce(ctx, cursor)
	if err != nil {
		return "", err
	}
	events := make([]*gdwatchevent.Event, 0, len(changes))
	for _, c := range changes {
		name := p.nameOf(c)
		if err := p.reporter.Report(name, c); err != nil {
			return "", fmt.Errorf("report change: %w", err)
		}
		ev := NewEvent(p.target, name, c)
		if p.copier != nil {
			ev.S3Copy = p.copier.Copy(ctx, p.target, c)
		}
		events = append(events, ev)
	}
	if len(events) > 0 {
		if err := p.notification.SendEvents(ctx, events); err != nil {
			return "", fmt.Errorf("send events: %w", err)
		}
	}
	if err := p.storage.SaveCursor(ctx, &CursorItem{
		Name:      p.cursorName,
		Cursor:    next,
		UpdatedAt: flextime.Now(),
	}); err != nil {
		return "", fmt.Errorf("save cursor: %w", err)
	}
	slog.DebugContext(ctx, "cursor advanced", "old_cursor", coalesce(cursor, "-"), "new_cursor", next, "changes", len(changes))
	return next, nil
}

func (p *Poller) nameOf(c *gdwatchevent.Change) string {
	if c.File != nil && c.File.Name != "" {
		p.lastKnownName = c.File.Name
		return c.File.Name
	}
	return coalesce(p.lastKnownName, c.FileID)
}

func coalesce(strs ...string) string {
	for _, str := range strs {
		if str != "" {
			return str
		}
	}
	return ""
}
