package gdwatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/olekukonko/tablewriter"
	"google.golang.org/api/drive/v3"
)

// DefaultListPageSize is the number of files shown by the list command.
const DefaultListPageSize = 10

// ListOption contains options for the list command.
type ListOption struct {
	PageSize int64 `help:"number of files to list" default:"10" env:"GDWATCH_LIST_PAGE_SIZE"`
}

// UsersOption contains options for the users command.
type UsersOption struct {
	FileID string `arg:"" name:"file-id" help:"id of the file"`
}

// List prints the first page of files visible to the authenticated user.
func (app *App) List(ctx context.Context, opt ListOption) error {
	pageSize := opt.PageSize
	if pageSize <= 0 {
		pageSize = DefaultListPageSize
	}
	fileList, err := app.driveSvc.Files.List().
		PageSize(pageSize).
		Fields("nextPageToken", "files(id, name)").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	slog.DebugContext(ctx, "files listed", "count", len(fileList.Files), "next_page_token", fileList.NextPageToken)
	return RenderFileList(app.stdout, fileList.Files)
}

func RenderFileList(w io.Writer, files []*drive.File) error {
	if len(files) == 0 {
		_, err := fmt.Fprintln(w, "No files found.")
		return err
	}
	if _, err := fmt.Fprintln(w, "Files:"); err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header("Name", "ID")
	for _, f := range files {
		if err := table.Append([]string{f.Name, f.Id}); err != nil {
			return err
		}
	}
	return table.Render()
}

// Users prints everyone who has a permission on the file.
func (app *App) Users(ctx context.Context, opt UsersOption) error {
	if opt.FileID == "" {
		return fmt.Errorf("file id is required")
	}
	permList, err := app.driveSvc.Permissions.List(opt.FileID).
		Fields("permissions(displayName,emailAddress,role)").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("list permissions of %s: %w", opt.FileID, err)
	}
	return RenderUsers(app.stdout, permList.Permissions)
}

func RenderUsers(w io.Writer, perms []*drive.Permission) error {
	if _, err := fmt.Fprintln(w, "Users with access to file:"); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := fmt.Fprintf(w, "%s (%s) - %s\n", p.DisplayName, p.EmailAddress, p.Role); err != nil {
			return err
		}
	}
	return nil
}
