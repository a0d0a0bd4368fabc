package gdwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const (
	menuQuestion   = "What do you want to do? (list/download/users/watch/exit) "
	fileIDQuestion = "Enter the file ID: "
)

// ShellOption contains options for the interactive shell.
type ShellOption struct {
	Watch WatchOption `kong:"-"`
}

// Shell runs the interactive menu until the operator exits, the input ends or
// ctx is done. Failures of a single command are logged and the menu continues.
func (app *App) Shell(ctx context.Context, opt ShellOption) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		answer, err := app.prompter.Ask(ctx, menuQuestion)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				fmt.Fprintln(app.stdout, "Exiting...")
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}
		if answer == "exit" {
			fmt.Fprintln(app.stdout, "Exiting...")
			return nil
		}
		if err := app.dispatch(ctx, answer, opt); err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(app.stdout, "Exiting...")
				return nil
			}
			slog.ErrorContext(ctx, "command failed", "command", answer, "error", err)
		}
	}
}

func (app *App) dispatch(ctx context.Context, answer string, opt ShellOption) error {
	switch answer {
	case "list":
		return app.List(ctx, ListOption{})
	case "download":
		fileID, err := app.prompter.Ask(ctx, fileIDQuestion)
		if err != nil {
			return err
		}
		return app.Download(ctx, DownloadOption{FileID: fileID})
	case "users":
		fileID, err := app.prompter.Ask(ctx, fileIDQuestion)
		if err != nil {
			return err
		}
		return app.Users(ctx, UsersOption{FileID: fileID})
	case "watch":
		fileID, err := app.prompter.Ask(ctx, fileIDQuestion)
		if err != nil {
			return err
		}
		watchOpt := opt.Watch
		watchOpt.FileID = fileID
		return app.Watch(ctx, watchOpt)
	default:
		_, err := fmt.Fprintln(app.stdout, "Invalid option.")
		return err
	}
}
