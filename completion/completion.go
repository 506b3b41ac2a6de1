// Package completion produces annotation text for a task.
package completion

import (
	"context"
	"fmt"
	"strings"
)

// Completer turns a task into annotation text.
type Completer interface {
	Complete(ctx context.Context, title, description string) (string, error)
}

// Static answers with a canned suggestion; used in local mode.
type Static struct {
	Prefix string
}

func (s Static) Complete(ctx context.Context, title, description string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prefix := s.Prefix
	if prefix == "" {
		prefix = "Suggested next step"
	}
	if d := strings.TrimSpace(description); d != "" {
		return fmt.Sprintf("%s for %q: %s", prefix, title, d), nil
	}
	return fmt.Sprintf("%s for %q: break it into one small action and do that first.", prefix, title), nil
}

func prompt(title, description string) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(title)
	if d := strings.TrimSpace(description); d != "" {
		b.WriteString("\nDetails: ")
		b.WriteString(d)
	}
	b.WriteString("\nGive a short, practical suggestion for getting this task done.")
	return b.String()
}
