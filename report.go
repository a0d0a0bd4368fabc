package gdwatch

import (
	"fmt"
	"io"
	"strings"

	"github.com/mashiike/gdwatch/pkg/gdwatchevent"
)

func RemovedMessage(name string) string {
	return fmt.Sprintf("File %s was removed from the drive.", name)
}

func ModifiedMessage(name string) string {
	return fmt.Sprintf("File %s was modified.", name)
}

func OwnersMessage(owners []string) string {
	return "New owners: " + strings.Join(owners, ", ")
}

// Reporter writes human readable lines for changes of the watched file.
type Reporter struct {
	w io.Writer
}

func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Report prints one change. A removed change never prints an owners line.
func (r *Reporter) Report(name string, c *gdwatchevent.Change) error {
	if c.Removed {
		_, err := fmt.Fprintln(r.w, RemovedMessage(name))
		return err
	}
	if _, err := fmt.Fprintln(r.w, ModifiedMessage(name)); err != nil {
		return err
	}
	_, err := fmt.Fprintln(r.w, OwnersMessage(c.OwnerNames()))
	return err
}
