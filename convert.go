package gdwatch

import (
	"fmt"

	"github.com/Songmu/flextime"
	"github.com/google/uuid"
	"github.com/mashiike/gdwatch/pkg/gdwatchevent"
	"google.golang.org/api/drive/v3"
)

// ConvertChange converts a Drive API change into a gdwatchevent.Change.
func ConvertChange(c *drive.Change) *gdwatchevent.Change {
	if c == nil {
		return nil
	}
	return &gdwatchevent.Change{
		FileID:  c.FileId,
		Removed: c.Removed,
		Time:    c.Time,
		File:    ConvertFile(c.File),
	}
}

func ConvertFile(f *drive.File) *gdwatchevent.File {
	if f == nil {
		return nil
	}
	return &gdwatchevent.File{
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		ModifiedTime: f.ModifiedTime,
		Trashed:      f.Trashed,
		Owners:       Map(f.Owners, ConvertUser),
	}
}

func ConvertUser(u *drive.User) *gdwatchevent.User {
	if u == nil {
		return nil
	}
	return &gdwatchevent.User{
		DisplayName:  u.DisplayName,
		EmailAddress: u.EmailAddress,
		Me:           u.Me,
	}
}

// EventType returns the event type for a change.
func EventType(c *gdwatchevent.Change) string {
	if c != nil && c.Removed {
		return gdwatchevent.TypeFileRemoved
	}
	return gdwatchevent.TypeFileChanged
}

// NewEvent wraps a matched change into the envelope sent to notification outputs.
// name is the display name used in the subject.
func NewEvent(target string, name string, c *gdwatchevent.Change) *gdwatchevent.Event {
	ev := &gdwatchevent.Event{
		Type:   EventType(c),
		Source: fmt.Sprintf("oss.gdwatch/file/%s", target),
		Time:   flextime.Now(),
		Target: target,
		Change: c,
	}
	if id, err := uuid.NewRandom(); err == nil {
		ev.ID = id.String()
	}
	if ev.Type == gdwatchevent.TypeFileRemoved {
		ev.Subject = RemovedMessage(name)
	} else {
		ev.Subject = ModifiedMessage(name)
	}
	return ev
}
