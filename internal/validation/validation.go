// Package validation inspects the evidence directory before a run is allowed
// to complete. Evidence files are the artifacts agents leave behind to prove
// their claims; the validator looks for the failure signatures hiding in
// them.
package validation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Result is one validator's outcome. Multiple validators compose with Merge.
type Result struct {
	Success  bool
	Errors   []string
	Warnings []string
}

// Merge combines two results: success is the logical AND, messages
// concatenate.
func Merge(a, b Result) Result {
	return Result{
		Success:  a.Success && b.Success,
		Errors:   append(append([]string{}, a.Errors...), b.Errors...),
		Warnings: append(append([]string{}, a.Warnings...), b.Warnings...),
	}
}

// errorTokens are the case-insensitive markers scanned for in text evidence.
var errorTokens = []string{"ERROR", "CRITICAL", "BLOCKED", "IMPORTANT", "FAILED", "Exception", "timeout"}

// tokenPatterns match the tokens directly against the original content, so
// byte offsets stay valid for content whose lowercase form has a different
// length (Turkish dotted I and friends).
var tokenPatterns = buildTokenPatterns()

func buildTokenPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(errorTokens))
	for i, token := range errorTokens {
		out[i] = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(token))
	}
	return out
}

const excerptLimit = 100

// Validator scans an evidence directory.
type Validator struct {
	dir string

	// FailOnEmpty turns an empty evidence directory into a failure instead
	// of a warning.
	FailOnEmpty bool
}

// New returns a validator for dir.
func New(dir string, failOnEmpty bool) *Validator {
	return &Validator{dir: dir, FailOnEmpty: failOnEmpty}
}

// Validate scans every regular file in the directory and one level of
// subdirectories.
func (v *Validator) Validate() Result {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Success: false, Errors: []string{"no_evidence"}}
		}
		return Result{Success: false, Errors: []string{fmt.Sprintf("reading evidence dir: %v", err)}}
	}

	var files []string
	for _, e := range entries {
		path := filepath.Join(v.dir, e.Name())
		if e.IsDir() {
			subEntries, err := os.ReadDir(path)
			if err != nil {
				continue
			}
			for _, sub := range subEntries {
				if !sub.IsDir() {
					files = append(files, filepath.Join(path, sub.Name()))
				}
			}
			continue
		}
		files = append(files, path)
	}

	if len(files) == 0 {
		if v.FailOnEmpty {
			return Result{Success: false, Errors: []string{"evidence directory is empty"}}
		}
		return Result{Success: true, Warnings: []string{"evidence directory is empty"}}
	}

	result := Result{Success: true}
	for _, path := range files {
		fileResult := v.validateFile(path)
		result = Merge(result, fileResult)
	}
	return result
}

func (v *Validator) validateFile(path string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Success: false, Errors: []string{fmt.Sprintf("%s: %v", filepath.Base(path), err)}}
	}

	name := filepath.Base(path)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return validateJSON(name, data)
	}
	return validateText(name, string(data))
}

// validateJSON applies the failure signatures for structured evidence.
func validateJSON(name string, data []byte) Result {
	var top interface{}
	if err := json.Unmarshal(data, &top); err != nil {
		return Result{Success: false, Errors: []string{fmt.Sprintf("%s: invalid JSON: %v", name, err)}}
	}

	fail := func(reason string) Result {
		return Result{Success: false, Errors: []string{fmt.Sprintf("%s: %s", name, reason)}}
	}

	if top == nil {
		return fail("top-level null")
	}
	obj, isObj := top.(map[string]interface{})
	if isObj && len(obj) == 0 {
		return fail("empty object")
	}
	if !isObj {
		return Result{Success: true}
	}

	if s, ok := obj["error"].(string); ok && s != "" {
		return fail("error: " + excerpt(s))
	}
	if b, ok := obj["is_error"].(bool); ok && b {
		return fail("is_error is true")
	}
	if s, ok := obj["status"].(string); ok {
		switch strings.ToLower(s) {
		case "error", "fail":
			return fail("status " + s)
		}
	}
	if s, ok := obj["detail"].(string); ok && strings.Contains(strings.ToLower(s), "not found") {
		return fail("detail: " + excerpt(s))
	}
	if b, ok := obj["success"].(bool); ok && !b && !hasPositiveField(obj) {
		return fail("success is false")
	}
	return Result{Success: true}
}

// hasPositiveField reports whether the object carries some other affirmative
// result alongside success=false (e.g. a partial-pass report).
func hasPositiveField(obj map[string]interface{}) bool {
	for _, key := range []string{"passed", "results", "output", "data"} {
		if v, ok := obj[key]; ok && v != nil {
			switch t := v.(type) {
			case string:
				if t != "" {
					return true
				}
			case []interface{}:
				if len(t) > 0 {
					return true
				}
			case map[string]interface{}:
				if len(t) > 0 {
					return true
				}
			default:
				return true
			}
		}
	}
	return false
}

// validateText scans free-form evidence for error tokens, keeping a short
// excerpt per hit.
func validateText(name, content string) Result {
	result := Result{Success: true}
	for i, re := range tokenPatterns {
		loc := re.FindStringIndex(content)
		if loc == nil {
			continue
		}
		result.Success = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("%s: %q near %q", name, errorTokens[i], excerpt(content[loc[0]:])))
	}
	return result
}

// excerpt truncates at rune boundaries so multibyte text stays valid UTF-8.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > excerptLimit {
		return string(runes[:excerptLimit])
	}
	return s
}
