package adapter

import (
	"context"
	"encoding/json"
	"strings"
)

// claudeAdapter drives the Claude Code CLI in one-shot print mode.
type claudeAdapter struct {
	opts Options
}

func (a *claudeAdapter) Name() string    { return "claude" }
func (a *claudeAdapter) Available() bool { return binaryOnPath("claude") }

func (a *claudeAdapter) Execute(ctx context.Context, req Request) (*Response, error) {
	args := []string{"-p", req.Prompt, "--dangerously-skip-permissions", "--output-format", "json"}
	resp, err := runProcess(ctx, a.opts, req.Timeout, "claude", args, req.WorkDir)
	if err != nil {
		return nil, err
	}
	applyReportedUsage(resp)
	return resp, nil
}

// geminiAdapter drives the Gemini CLI.
type geminiAdapter struct {
	opts Options
}

func (a *geminiAdapter) Name() string    { return "gemini" }
func (a *geminiAdapter) Available() bool { return binaryOnPath("gemini") }

func (a *geminiAdapter) Execute(ctx context.Context, req Request) (*Response, error) {
	args := []string{"-p", req.Prompt, "--yolo"}
	resp, err := runProcess(ctx, a.opts, req.Timeout, "gemini", args, req.WorkDir)
	if err != nil {
		return nil, err
	}
	applyReportedUsage(resp)
	return resp, nil
}

// qchatAdapter drives Amazon Q Developer CLI chat.
type qchatAdapter struct {
	opts Options
}

func (a *qchatAdapter) Name() string    { return "qchat" }
func (a *qchatAdapter) Available() bool { return binaryOnPath("q") }

func (a *qchatAdapter) Execute(ctx context.Context, req Request) (*Response, error) {
	args := []string{"chat", "--no-interactive", "--trust-all-tools", req.Prompt}
	resp, err := runProcess(ctx, a.opts, req.Timeout, "q", args, req.WorkDir)
	if err != nil {
		return nil, err
	}
	applyReportedUsage(resp)
	return resp, nil
}

// reportedUsage is the usage shape some agent CLIs append to their output
// as a trailing JSON object (claude's --output-format json result record,
// and compatible emitters).
type reportedUsage struct {
	Usage *struct {
		InputTokens  *int64 `json:"input_tokens"`
		OutputTokens *int64 `json:"output_tokens"`
	} `json:"usage"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	IsError      *bool    `json:"is_error"`
	Result       string   `json:"result"`
}

// applyReportedUsage scans the tail of the captured output for a JSON
// object carrying token usage and, when found, fills the response's
// nullable usage fields. Best effort: absence is normal for plain-text
// agents.
func applyReportedUsage(resp *Response) {
	obj, ok := lastJSONObject(resp.Output)
	if !ok {
		return
	}
	var usage reportedUsage
	if err := json.Unmarshal([]byte(obj), &usage); err != nil {
		return
	}
	if usage.Usage != nil {
		resp.TokensIn = usage.Usage.InputTokens
		resp.TokensOut = usage.Usage.OutputTokens
	}
	if usage.TotalCostUSD != nil {
		resp.Cost = usage.TotalCostUSD
	}
	if usage.IsError != nil && *usage.IsError && resp.Success {
		resp.Success = false
		if resp.Error == "" {
			resp.Error = "agent reported is_error"
		}
	}
}

// lastJSONObject finds the last balanced top-level {...} block near the end
// of the output. Only the final 64 KiB are searched to keep this cheap on
// very chatty agents.
func lastJSONObject(text string) (string, bool) {
	const maxSearch = 64 * 1024
	if len(text) > maxSearch {
		text = text[len(text)-maxSearch:]
	}
	var last string
	for i := 0; i < len(text); {
		j := strings.IndexByte(text[i:], '{')
		if j == -1 {
			break
		}
		start := i + j
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil && len(raw) > 0 && raw[0] == '{' {
			last = string(raw)
			i = start + int(dec.InputOffset())
		} else {
			i = start + 1
		}
	}
	return last, last != ""
}
