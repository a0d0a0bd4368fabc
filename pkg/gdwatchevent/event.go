// Package gdwatchevent provides types for gdwatch change event payloads.
// These types can be used by consumers of the file, EventBridge or Pub/Sub
// notification outputs to unmarshal gdwatch events.
//
//	func handler(ctx context.Context, event gdwatchevent.Event) error {
//	    fmt.Println(event.Type)
//	    fmt.Println(event.Subject)
//	}
package gdwatchevent

import "time"

// Event types.
const (
	TypeFileChanged = "File Changed"
	TypeFileRemoved = "File Removed"
)

// Event is the envelope delivered to notification outputs.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Source  string    `json:"source"`
	Time    time.Time `json:"time"`
	Target  string    `json:"target"`
	Subject string    `json:"subject"`
	Change  *Change   `json:"change"`

	// S3Copy is set when a copy of the file was stored in Amazon S3.
	S3Copy *S3CopyResult `json:"s3Copy,omitempty"`
}

// Change is one entry of the Drive change feed.
type Change struct {
	FileID  string `json:"fileId"`
	Removed bool   `json:"removed,omitempty"`
	Time    string `json:"time,omitempty"`
	File    *File  `json:"file,omitempty"`
}

// File is the snapshot of a changed file.
type File struct {
	ID           string  `json:"id,omitempty"`
	Name         string  `json:"name"`
	MimeType     string  `json:"mimeType,omitempty"`
	ModifiedTime string  `json:"modifiedTime,omitempty"`
	Trashed      bool    `json:"trashed,omitempty"`
	Owners       []*User `json:"owners"`
}

// User represents a Google Drive user.
type User struct {
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress,omitempty"`
	Me           bool   `json:"me,omitempty"`
}

// OwnerNames returns the display names of the file owners.
// A nil file or a file without owners yields an empty slice.
func (c *Change) OwnerNames() []string {
	names := make([]string, 0)
	if c == nil || c.File == nil {
		return names
	}
	for _, o := range c.File.Owners {
		if o == nil {
			continue
		}
		names = append(names, o.DisplayName)
	}
	return names
}

// S3CopyResult describes the copy of the file stored in Amazon S3.
type S3CopyResult struct {
	S3URI       string    `json:"s3Uri"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CopiedAt    time.Time `json:"copiedAt"`
}
