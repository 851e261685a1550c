// Package config defines the enumerated run configuration. Every key the
// supervisor understands is a field here; a configuration file containing any
// other key is rejected outright rather than silently ignored.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Agent tags accepted by the "agent" key. AgentAuto resolves to a concrete
// tag during initialization.
const (
	AgentAuto   = "auto"
	AgentClaude = "claude"
	AgentGemini = "gemini"
	AgentQChat  = "qchat"
	AgentACP    = "acp"
)

// Permission modes for the ACP adapter's tool-call approvals.
const (
	PermissionAutoApprove = "auto-approve"
	PermissionAsk         = "ask"
	PermissionDenyAll     = "deny-all"
	PermissionAllowlist   = "allowlist"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// RALPH_MAX_ITERATIONS overrides max_iterations.
const EnvPrefix = "RALPH"

var (
	// ErrUnknownKey indicates the config file contains a key the supervisor
	// does not recognize.
	ErrUnknownKey = errors.New("unrecognized configuration key")

	// ErrInvalid indicates a recognized key carries an out-of-range or
	// malformed value.
	ErrInvalid = errors.New("invalid configuration")
)

// ACPConfig holds settings specific to the ACP adapter variant.
type ACPConfig struct {
	// Command is the agent executable spoken to over stdio JSON-RPC.
	Command string `mapstructure:"command"`
	// PermissionMode governs agent-initiated tool calls.
	PermissionMode string `mapstructure:"permission_mode"`
	// AllowedTools is consulted in allowlist mode.
	AllowedTools []string `mapstructure:"allowed_tools"`
}

// ContextConfig bounds the context manager's ring buffers.
type ContextConfig struct {
	// StablePrefix is prepended to every enhanced prompt and never evicted.
	StablePrefix string `mapstructure:"stable_prefix"`
	// DynamicCap bounds recent iteration summaries.
	DynamicCap int `mapstructure:"dynamic_cap"`
	// ErrorCap bounds the error-history buffer.
	ErrorCap int `mapstructure:"error_cap"`
	// SuccessCap bounds the success-pattern buffer.
	SuccessCap int `mapstructure:"success_cap"`
}

// Config is the full run configuration. Field names mirror the on-disk keys.
type Config struct {
	Agent      string `mapstructure:"agent"`
	PromptFile string `mapstructure:"prompt_file"`

	MaxIterations          int     `mapstructure:"max_iterations"`
	MaxRuntimeSeconds      int     `mapstructure:"max_runtime_seconds"`
	MaxCost                float64 `mapstructure:"max_cost"`
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures"`

	LoopSimilarityThreshold float64 `mapstructure:"loop_similarity_threshold"`
	LoopDetectionK          int     `mapstructure:"loop_detection_k"`
	LoopDetectionWindow     int     `mapstructure:"loop_detection_window"`

	InterIterationSleepSeconds float64 `mapstructure:"inter_iteration_sleep_seconds"`
	CheckpointDepth            int     `mapstructure:"checkpoint_depth"`

	EnableOrchestration bool `mapstructure:"enable_orchestration"`
	EnableValidation    bool `mapstructure:"enable_validation"`

	CompletionMarker string `mapstructure:"completion_marker"`
	CompletionRegex  string `mapstructure:"completion_regex"`

	AdapterTimeoutSeconds int   `mapstructure:"adapter_timeout_seconds"`
	MaxOutputBytes        int64 `mapstructure:"max_output_bytes"`

	MaxParallelSubagents int      `mapstructure:"max_parallel_subagents"`
	AvailableTools       []string `mapstructure:"available_tools"`

	EvidenceDir          string `mapstructure:"evidence_dir"`
	FailOnEmptyEvidence  bool   `mapstructure:"fail_on_empty_evidence"`
	MaxValidationRetries int    `mapstructure:"max_validation_retries"`

	CheckpointGitSnapshot bool   `mapstructure:"checkpoint_git_snapshot"`
	GitSnapshotCommand    string `mapstructure:"git_snapshot_command"`

	ACP     ACPConfig     `mapstructure:"acp"`
	Context ContextConfig `mapstructure:"context"`
}

// Default returns the configuration used when no file or overrides are given.
func Default() *Config {
	return &Config{
		Agent:                      AgentAuto,
		PromptFile:                 "PROMPT.md",
		MaxIterations:              100,
		MaxRuntimeSeconds:          14400, // 4 hours
		MaxCost:                    50.0,
		MaxConsecutiveFailures:     3,
		LoopSimilarityThreshold:    0.90,
		LoopDetectionK:             3,
		LoopDetectionWindow:        5,
		InterIterationSleepSeconds: 0,
		CheckpointDepth:            3,
		CompletionMarker:           "TASK_COMPLETE",
		AdapterTimeoutSeconds:      600,
		MaxOutputBytes:             10 * 1024 * 1024,
		MaxParallelSubagents:       1,
		EvidenceDir:                "validation-evidence",
		FailOnEmptyEvidence:        true,
		MaxValidationRetries:       2,
		ACP: ACPConfig{
			PermissionMode: PermissionAsk,
		},
		Context: ContextConfig{
			DynamicCap: 5,
			ErrorCap:   5,
			SuccessCap: 3,
		},
	}
}

// knownKeys is the closed set of flattened configuration keys.
var knownKeys = map[string]bool{
	"agent":                         true,
	"prompt_file":                   true,
	"max_iterations":                true,
	"max_runtime_seconds":           true,
	"max_cost":                      true,
	"max_consecutive_failures":      true,
	"loop_similarity_threshold":     true,
	"loop_detection_k":              true,
	"loop_detection_window":         true,
	"inter_iteration_sleep_seconds": true,
	"checkpoint_depth":              true,
	"enable_orchestration":          true,
	"enable_validation":             true,
	"completion_marker":             true,
	"completion_regex":              true,
	"adapter_timeout_seconds":       true,
	"max_output_bytes":              true,
	"max_parallel_subagents":        true,
	"available_tools":               true,
	"evidence_dir":                  true,
	"fail_on_empty_evidence":        true,
	"max_validation_retries":        true,
	"checkpoint_git_snapshot":       true,
	"git_snapshot_command":          true,
	"acp.command":                   true,
	"acp.permission_mode":           true,
	"acp.allowed_tools":             true,
	"context.stable_prefix":         true,
	"context.dynamic_cap":           true,
	"context.error_cap":             true,
	"context.success_cap":           true,
}

// Load builds a Config from defaults, the optional YAML file at path, and
// RALPH_-prefixed environment variables, in increasing precedence. Unknown
// keys in the file are a hard error.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults := Default()
	setDefaults(v, defaults)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if err := rejectUnknownKeys(path); err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("agent", d.Agent)
	v.SetDefault("prompt_file", d.PromptFile)
	v.SetDefault("max_iterations", d.MaxIterations)
	v.SetDefault("max_runtime_seconds", d.MaxRuntimeSeconds)
	v.SetDefault("max_cost", d.MaxCost)
	v.SetDefault("max_consecutive_failures", d.MaxConsecutiveFailures)
	v.SetDefault("loop_similarity_threshold", d.LoopSimilarityThreshold)
	v.SetDefault("loop_detection_k", d.LoopDetectionK)
	v.SetDefault("loop_detection_window", d.LoopDetectionWindow)
	v.SetDefault("inter_iteration_sleep_seconds", d.InterIterationSleepSeconds)
	v.SetDefault("checkpoint_depth", d.CheckpointDepth)
	v.SetDefault("enable_orchestration", d.EnableOrchestration)
	v.SetDefault("enable_validation", d.EnableValidation)
	v.SetDefault("completion_marker", d.CompletionMarker)
	v.SetDefault("completion_regex", d.CompletionRegex)
	v.SetDefault("adapter_timeout_seconds", d.AdapterTimeoutSeconds)
	v.SetDefault("max_output_bytes", d.MaxOutputBytes)
	v.SetDefault("max_parallel_subagents", d.MaxParallelSubagents)
	v.SetDefault("available_tools", d.AvailableTools)
	v.SetDefault("evidence_dir", d.EvidenceDir)
	v.SetDefault("fail_on_empty_evidence", d.FailOnEmptyEvidence)
	v.SetDefault("max_validation_retries", d.MaxValidationRetries)
	v.SetDefault("checkpoint_git_snapshot", d.CheckpointGitSnapshot)
	v.SetDefault("git_snapshot_command", d.GitSnapshotCommand)
	v.SetDefault("acp.command", d.ACP.Command)
	v.SetDefault("acp.permission_mode", d.ACP.PermissionMode)
	v.SetDefault("acp.allowed_tools", d.ACP.AllowedTools)
	v.SetDefault("context.stable_prefix", d.Context.StablePrefix)
	v.SetDefault("context.dynamic_cap", d.Context.DynamicCap)
	v.SetDefault("context.error_cap", d.Context.ErrorCap)
	v.SetDefault("context.success_cap", d.Context.SuccessCap)
}

// rejectUnknownKeys parses the raw YAML and diffs its flattened key set
// against knownKeys. This runs before viper merges the file so the error can
// name the offending key exactly.
func rejectUnknownKeys(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}

	var unknown []string
	for _, key := range flattenKeys("", doc) {
		if !knownKeys[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(unknown, ", "))
	}
	return nil
}

func flattenKeys(prefix string, m map[string]interface{}) []string {
	var keys []string
	for k, val := range m {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			keys = append(keys, flattenKeys(full, sub)...)
			continue
		}
		keys = append(keys, full)
	}
	return keys
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Agent {
	case AgentAuto, AgentClaude, AgentGemini, AgentQChat, AgentACP:
	default:
		return fmt.Errorf("%w: agent %q (want one of auto, claude, gemini, qchat, acp)", ErrInvalid, c.Agent)
	}
	if c.PromptFile == "" {
		return fmt.Errorf("%w: prompt_file is required", ErrInvalid)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("%w: max_iterations cannot be negative", ErrInvalid)
	}
	if c.MaxRuntimeSeconds < 0 {
		return fmt.Errorf("%w: max_runtime_seconds cannot be negative", ErrInvalid)
	}
	if c.MaxCost < 0 {
		return fmt.Errorf("%w: max_cost cannot be negative", ErrInvalid)
	}
	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("%w: max_consecutive_failures must be at least 1", ErrInvalid)
	}
	if c.LoopSimilarityThreshold < 0 || c.LoopSimilarityThreshold > 1 {
		return fmt.Errorf("%w: loop_similarity_threshold must be in [0,1]", ErrInvalid)
	}
	if c.LoopDetectionK < 1 {
		return fmt.Errorf("%w: loop_detection_k must be at least 1", ErrInvalid)
	}
	if c.LoopDetectionWindow < 1 {
		return fmt.Errorf("%w: loop_detection_window must be at least 1", ErrInvalid)
	}
	if c.InterIterationSleepSeconds < 0 {
		return fmt.Errorf("%w: inter_iteration_sleep_seconds cannot be negative", ErrInvalid)
	}
	if c.CheckpointDepth < 1 {
		return fmt.Errorf("%w: checkpoint_depth must be at least 1", ErrInvalid)
	}
	if c.CompletionMarker == "" && c.CompletionRegex == "" {
		return fmt.Errorf("%w: completion_marker or completion_regex is required", ErrInvalid)
	}
	if c.AdapterTimeoutSeconds < 0 {
		return fmt.Errorf("%w: adapter_timeout_seconds cannot be negative", ErrInvalid)
	}
	if c.MaxOutputBytes < 1 {
		return fmt.Errorf("%w: max_output_bytes must be positive", ErrInvalid)
	}
	if c.MaxParallelSubagents < 1 {
		return fmt.Errorf("%w: max_parallel_subagents must be at least 1", ErrInvalid)
	}
	if c.MaxValidationRetries < 0 {
		return fmt.Errorf("%w: max_validation_retries cannot be negative", ErrInvalid)
	}
	switch c.ACP.PermissionMode {
	case PermissionAutoApprove, PermissionAsk, PermissionDenyAll, PermissionAllowlist:
	default:
		return fmt.Errorf("%w: acp.permission_mode %q", ErrInvalid, c.ACP.PermissionMode)
	}
	if c.Context.DynamicCap < 1 || c.Context.ErrorCap < 1 || c.Context.SuccessCap < 1 {
		return fmt.Errorf("%w: context ring caps must be at least 1", ErrInvalid)
	}
	return nil
}

// MaxRuntime returns the wall-clock cap as a duration.
func (c *Config) MaxRuntime() time.Duration {
	return time.Duration(c.MaxRuntimeSeconds) * time.Second
}

// AdapterTimeout returns the default per-invocation deadline.
func (c *Config) AdapterTimeout() time.Duration {
	return time.Duration(c.AdapterTimeoutSeconds) * time.Second
}

// InterIterationSleep returns the configured delay between iterations.
func (c *Config) InterIterationSleep() time.Duration {
	return time.Duration(c.InterIterationSleepSeconds * float64(time.Second))
}
