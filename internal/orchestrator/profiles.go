package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// Profile is the static record for one specialist sub-agent type.
type Profile struct {
	Name          string
	RequiredTools []string
	tmpl          *template.Template
}

const baseTemplate = `You are a {{.Role}} sub-agent working one focused task.

{{.Charter}}

Acceptance criteria:
{{range .Criteria}}- {{.}}
{{end}}
When finished, write a single JSON result to {{.ResultPath}} with the exact
fields: subagent_type, success, output, tokens_used, error, return_code,
parsed_json.

Task:
{{.Prompt}}
`

var charters = map[string]string{
	"debugger":    "Reproduce the failure, isolate the root cause, and apply the smallest fix that makes the symptom disappear. Report the cause and the fix.",
	"validator":   "Verify the work against each acceptance criterion. Run checks rather than reading code where possible. Report pass/fail per criterion.",
	"researcher":  "Gather the information the task asks for. Prefer primary sources in the repository. Report findings with file references.",
	"analyst":     "Examine the subject and produce an assessment: strengths, defects, and concrete recommendations.",
	"implementer": "Implement the requested change completely, keeping the existing conventions of the codebase.",
}

var profileTools = map[string][]string{
	"debugger":    {"read_file", "write_file", "run_command"},
	"validator":   {"read_file", "run_command"},
	"researcher":  {"read_file", "search"},
	"analyst":     {"read_file"},
	"implementer": {"read_file", "write_file", "run_command"},
}

var profiles = buildProfiles()

func buildProfiles() map[string]*Profile {
	out := make(map[string]*Profile, len(charters))
	for name := range charters {
		t := template.Must(template.New(name).Parse(baseTemplate))
		out[name] = &Profile{Name: name, RequiredTools: profileTools[name], tmpl: t}
	}
	return out
}

// ProfileFor returns the profile for a sub-agent type name.
func ProfileFor(name string) (*Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// Render builds the full sub-agent prompt from the template, criteria, and
// original prompt body.
func (p *Profile) Render(prompt, resultPath string, criteria []string) (string, error) {
	var b strings.Builder
	err := p.tmpl.Execute(&b, struct {
		Role       string
		Charter    string
		Criteria   []string
		Prompt     string
		ResultPath string
	}{
		Role:       p.Name,
		Charter:    charters[p.Name],
		Criteria:   criteria,
		Prompt:     prompt,
		ResultPath: resultPath,
	})
	if err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", p.Name, err)
	}
	return b.String(), nil
}

// selectionRules is the keyword priority order. First rule whose keyword
// appears in the prompt wins; nothing matching falls through to implementer.
var selectionRules = []struct {
	agentType string
	keywords  []string
}{
	{"debugger", []string{"debug", "fix bug", "troubleshoot", "diagnose", "error"}},
	{"validator", []string{"validate", "verify", "test", "check", "confirm", "assert"}},
	{"researcher", []string{"research", "find", "search", "explore", "discover", "investigate"}},
	{"analyst", []string{"analyze", "review", "assess", "audit", "examine", "evaluate"}},
}

// SelectType picks the sub-agent type for a prompt, case-insensitively.
func SelectType(prompt string) string {
	lower := strings.ToLower(prompt)
	for _, rule := range selectionRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.agentType
			}
		}
	}
	return "implementer"
}

const maxCriteria = 10

// defaultCriterion applies when the prompt yields nothing extractable.
const defaultCriterion = "Execute the task as specified in the prompt"

var (
	checkboxRe = regexp.MustCompile(`(?m)^\s*[-*]?\s*\[ \]\s*(.+)$`)
	modalRe    = regexp.MustCompile(`(?i)[^.\n]*\b(?:must|should|shall)\s[^.\n]*`)
)

// ExtractCriteria pulls acceptance criteria out of the prompt: unchecked
// checkbox items first, then must/should/shall sentences, capped at 10.
func ExtractCriteria(prompt string) []string {
	var out []string
	for _, m := range checkboxRe.FindAllStringSubmatch(prompt, -1) {
		out = append(out, strings.TrimSpace(m[1]))
		if len(out) == maxCriteria {
			return out
		}
	}
	for _, m := range modalRe.FindAllString(prompt, -1) {
		s := strings.TrimSpace(m)
		if s == "" || contains(out, s) {
			continue
		}
		out = append(out, s)
		if len(out) == maxCriteria {
			return out
		}
	}
	if len(out) == 0 {
		out = []string{defaultCriterion}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
