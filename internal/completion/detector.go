// Package completion decides whether the prompt file carries the completion
// marker. The default rule is deliberately strict: the marker only counts
// inside a checked checkbox on its own line ("- [x] ... TASK_COMPLETE"), so
// template examples that merely mention the marker do not end the run.
package completion

import (
	"fmt"
	"regexp"
)

// DefaultMarker is the sentinel string looked for in the prompt file.
const DefaultMarker = "TASK_COMPLETE"

// Detector matches the completion marker against prompt text. It is a pure
// function of its input; the loop invokes it once per iteration.
type Detector struct {
	re *regexp.Regexp
}

// New builds a detector for marker. If customRegex is non-empty it replaces
// the checkbox-scoped default entirely.
func New(marker, customRegex string) (*Detector, error) {
	pattern := customRegex
	if pattern == "" {
		if marker == "" {
			marker = DefaultMarker
		}
		pattern = fmt.Sprintf(`(?m)^\s*[-*]\s*\[[xX]\]\s.*%s`, regexp.QuoteMeta(marker))
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling completion regex: %w", err)
	}
	return &Detector{re: re}, nil
}

// Detect reports whether the prompt text contains the completion marker.
func (d *Detector) Detect(promptText string) bool {
	return d.re.MatchString(promptText)
}

// Pattern returns the active regex, for logging and doctor output.
func (d *Detector) Pattern() string {
	return d.re.String()
}
