package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dueParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDue turns a --due value into a time. It accepts RFC 3339 and
// natural language such as "tomorrow 5pm" or "next friday". "none" clears
// the due date and returns nil.
func parseDue(text string, now time.Time) (*time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "none") {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return &t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", text, now.Location()); err == nil {
		return &t, nil
	}

	r, err := dueParser.Parse(text, now)
	if err != nil {
		return nil, fmt.Errorf("invalid due date %q: %w", text, err)
	}
	if r == nil {
		return nil, fmt.Errorf("invalid due date %q", text)
	}
	t := r.Time
	return &t, nil
}
