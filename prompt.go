package gdwatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prompter asks the operator one question at a time.
// It is not safe for concurrent use.
type Prompter struct {
	r *bufio.Reader
	w io.Writer

	// pending is the read left running by an Ask that was cancelled.
	pending chan readResult
}

type readResult struct {
	line string
	err  error
}

func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{
		r: bufio.NewReader(r),
		w: w,
	}
}

// Ask writes question and returns the trimmed answer line.
// io.EOF is returned once the input is exhausted, and ctx.Err() when ctx
// ends while waiting for the answer. A line typed after cancellation is
// the answer to the next Ask.
func (p *Prompter) Ask(ctx context.Context, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := fmt.Fprint(p.w, question); err != nil {
		return "", err
	}
	if p.pending == nil {
		ch := make(chan readResult, 1)
		go func() {
			line, err := p.r.ReadString('\n')
			ch <- readResult{line: line, err: err}
		}()
		p.pending = ch
	}
	var res readResult
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-p.pending:
		p.pending = nil
	}
	if res.err != nil {
		if errors.Is(res.err, io.EOF) && res.line != "" {
			return strings.TrimSpace(res.line), nil
		}
		return "", res.err
	}
	return strings.TrimSpace(res.line), nil
}
