package gdwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mashiike/gdwatch/pkg/gdwatchevent"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

// MaxChangesPageSize is the largest page size accepted by changes.list.
const MaxChangesPageSize = 1000

// ChangePage is one page of the change feed.
// Exactly one of NextPageToken and NewStartPageToken is set by the Drive API:
// NextPageToken while the feed continues, NewStartPageToken once it is exhausted.
type ChangePage struct {
	Changes           []*gdwatchevent.Change
	NextPageToken     string
	NewStartPageToken string
}

// ChangeSource is the remote change-list API.
type ChangeSource interface {
	// StartCursor returns the cursor pointing at the current end of the change feed.
	StartCursor(ctx context.Context) (string, error)
	// ListChanges returns the page of changes starting at pageToken.
	ListChanges(ctx context.Context, pageToken string, pageSize int64) (*ChangePage, error)
}

const changesFields = "changes(fileId,removed,time,file(id,name,mimeType,modifiedTime,trashed,owners(displayName,emailAddress,me)))"

// DriveChangeSource implements ChangeSource with the Drive v3 changes API.
type DriveChangeSource struct {
	svc *drive.Service
}

func NewDriveChangeSource(svc *drive.Service) *DriveChangeSource {
	return &DriveChangeSource{svc: svc}
}

func (s *DriveChangeSource) StartCursor(ctx context.Context) (string, error) {
	token, err := s.svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		slog.DebugContext(ctx, "drive API changes:getStartPageToken failed", "error", err)
		return "", fmt.Errorf("drive API changes:getStartPageToken: %w", err)
	}
	if token.HTTPStatusCode != http.StatusOK {
		return "", fmt.Errorf("drive API changes:getStartPageToken response status not ok (status:%d)", token.HTTPStatusCode)
	}
	return token.StartPageToken, nil
}

func (s *DriveChangeSource) ListChanges(ctx context.Context, pageToken string, pageSize int64) (*ChangePage, error) {
	slog.DebugContext(ctx, "try Drive API changes:list", "page_token", pageToken, "page_size", pageSize)
	changeList, err := s.svc.Changes.List(pageToken).
		Spaces("drive").
		IncludeRemoved(true).
		PageSize(pageSize).
		Fields("nextPageToken", "newStartPageToken", googleapi.Field(changesFields)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("drive API changes:list: %w", err)
	}
	slog.DebugContext(ctx, "success Drive API changes:list",
		"page_token", pageToken,
		"changes", len(changeList.Changes),
		"next_page_token", changeList.NextPageToken,
		"new_start_page_token", changeList.NewStartPageToken,
	)
	return &ChangePage{
		Changes:           Map(changeList.Changes, ConvertChange),
		NextPageToken:     changeList.NextPageToken,
		NewStartPageToken: changeList.NewStartPageToken,
	}, nil
}
