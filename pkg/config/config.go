// Package config loads the declarative runtime definition: which model
// backends exist, how task categories route to them, and how retries,
// approval, and telemetry behave. Files may be YAML or JSON.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cexll/turnflow/pkg/backend"
	"github.com/cexll/turnflow/pkg/classify"
	"github.com/cexll/turnflow/pkg/dispatch"
	"github.com/cexll/turnflow/pkg/retry"
	"github.com/cexll/turnflow/pkg/telemetry"
	"github.com/cexll/turnflow/pkg/transcript"
)

// RuntimeConfig is the root document.
type RuntimeConfig struct {
	StorageMode    string            `json:"storage_mode" yaml:"storage_mode"`
	DefaultBackend string            `json:"default_backend" yaml:"default_backend"`
	MaxSteps       int               `json:"max_steps" yaml:"max_steps"`
	Instructions   string            `json:"instructions" yaml:"instructions"`
	Backends       []BackendBlock    `json:"backends" yaml:"backends"`
	TaskRoutes     map[string]string `json:"task_routes" yaml:"task_routes"`
	Retry          RetryBlock        `json:"retry" yaml:"retry"`
	Approval       ApprovalBlock     `json:"approval" yaml:"approval"`
	Telemetry      TelemetryBlock    `json:"telemetry" yaml:"telemetry"`

	SourcePath string `json:"-" yaml:"-"`
	SourceHash string `json:"-" yaml:"-"`
}

// BackendBlock declares one model service. The API key is named by
// environment variable so config files stay free of secrets.
type BackendBlock struct {
	ID          string   `json:"id" yaml:"id"`
	Protocol    string   `json:"protocol" yaml:"protocol"`
	Model       string   `json:"model" yaml:"model"`
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	APIKeyEnv   string   `json:"api_key_env" yaml:"api_key_env"`
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`
	Temperature *float64 `json:"temperature" yaml:"temperature"`
	Streaming   *bool    `json:"streaming" yaml:"streaming"`
}

// RetryBlock tunes the per-request retry schedule. Delays are Go
// duration strings such as "500ms" or "30s".
type RetryBlock struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   string `json:"base_delay" yaml:"base_delay"`
	MaxDelay    string `json:"max_delay" yaml:"max_delay"`
}

// ApprovalBlock gates shell commands before dispatch.
type ApprovalBlock struct {
	Mode      string     `json:"mode" yaml:"mode"`
	Allowlist [][]string `json:"allowlist" yaml:"allowlist"`
}

// TelemetryBlock configures the OTLP exporter and span masking.
type TelemetryBlock struct {
	ServiceName  string   `json:"service_name" yaml:"service_name"`
	Environment  string   `json:"environment" yaml:"environment"`
	Endpoint     string   `json:"endpoint" yaml:"endpoint"`
	Insecure     bool     `json:"insecure" yaml:"insecure"`
	MaskPatterns []string `json:"mask_patterns" yaml:"mask_patterns"`
}

// Normalize trims whitespace and applies defaults in place.
func (c *RuntimeConfig) Normalize() {
	if c == nil {
		return
	}
	c.StorageMode = strings.ToLower(strings.TrimSpace(c.StorageMode))
	if c.StorageMode == "" {
		c.StorageMode = string(transcript.ModeStateless)
	}
	c.DefaultBackend = strings.TrimSpace(c.DefaultBackend)
	if c.MaxSteps <= 0 {
		c.MaxSteps = 8
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		b.ID = strings.TrimSpace(b.ID)
		b.Protocol = strings.ToLower(strings.TrimSpace(b.Protocol))
		b.Model = strings.TrimSpace(b.Model)
		b.BaseURL = strings.TrimSpace(b.BaseURL)
		b.APIKeyEnv = strings.TrimSpace(b.APIKeyEnv)
	}
	if c.DefaultBackend == "" && len(c.Backends) == 1 {
		c.DefaultBackend = c.Backends[0].ID
	}
	normalized := make(map[string]string, len(c.TaskRoutes))
	for category, id := range c.TaskRoutes {
		normalized[strings.ToLower(strings.TrimSpace(category))] = strings.TrimSpace(id)
	}
	c.TaskRoutes = normalized
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = retry.DefaultPolicy().MaxAttempts
	}
	if strings.TrimSpace(c.Retry.BaseDelay) == "" {
		c.Retry.BaseDelay = retry.DefaultPolicy().BaseDelay.String()
	}
	if strings.TrimSpace(c.Retry.MaxDelay) == "" {
		c.Retry.MaxDelay = retry.DefaultPolicy().MaxDelay.String()
	}
	c.Approval.Mode = strings.TrimSpace(c.Approval.Mode)
	if c.Approval.Mode == "" {
		c.Approval.Mode = string(dispatch.ModeAsk)
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "turnflow"
	}
}

// Validate checks structural integrity. Call Normalize first.
func (c *RuntimeConfig) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := transcript.ParseMode(c.StorageMode); err != nil {
		return err
	}
	if len(c.Backends) == 0 {
		return errors.New("config: at least one backend is required")
	}
	ids := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if _, exists := ids[b.ID]; exists {
			return fmt.Errorf("config: duplicate backend id %q", b.ID)
		}
		ids[b.ID] = struct{}{}
		if err := b.descriptor().Validate(); err != nil {
			return err
		}
	}
	if c.DefaultBackend == "" {
		return errors.New("config: default_backend is required when more than one backend is declared")
	}
	if _, ok := ids[c.DefaultBackend]; !ok {
		return fmt.Errorf("config: default_backend %q is not a declared backend", c.DefaultBackend)
	}
	for category, id := range c.TaskRoutes {
		if !classify.Valid(classify.Category(category)) {
			return fmt.Errorf("config: unknown task category %q", category)
		}
		if _, ok := ids[id]; !ok {
			return fmt.Errorf("config: task route %q names unknown backend %q", category, id)
		}
	}
	if _, err := time.ParseDuration(c.Retry.BaseDelay); err != nil {
		return fmt.Errorf("config: retry base_delay: %w", err)
	}
	if _, err := time.ParseDuration(c.Retry.MaxDelay); err != nil {
		return fmt.Errorf("config: retry max_delay: %w", err)
	}
	if _, ok := dispatch.ParseMode(c.Approval.Mode); !ok {
		return fmt.Errorf("config: unknown approval mode %q", c.Approval.Mode)
	}
	return nil
}

func (b BackendBlock) descriptor() backend.Descriptor {
	apiKey := ""
	if b.APIKeyEnv != "" {
		apiKey = os.Getenv(b.APIKeyEnv)
	}
	streaming := true
	if b.Streaming != nil {
		streaming = *b.Streaming
	}
	return backend.Descriptor{
		ID:          b.ID,
		Protocol:    backend.Protocol(b.Protocol),
		Model:       b.Model,
		BaseURL:     b.BaseURL,
		APIKey:      apiKey,
		MaxTokens:   b.MaxTokens,
		Temperature: b.Temperature,
		Streaming:   streaming,
	}
}

// Descriptors resolves every backend block, reading API keys from the
// environment at call time.
func (c *RuntimeConfig) Descriptors() []backend.Descriptor {
	out := make([]backend.Descriptor, 0, len(c.Backends))
	for _, b := range c.Backends {
		out = append(out, b.descriptor())
	}
	return out
}

// Mapping builds the category routing table for the registry.
func (c *RuntimeConfig) Mapping() backend.TaskMapping {
	routes := make(map[classify.Category]string, len(c.TaskRoutes))
	keys := make([]string, 0, len(c.TaskRoutes))
	for k := range c.TaskRoutes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		routes[classify.Category(k)] = c.TaskRoutes[k]
	}
	return backend.TaskMapping{Routes: routes, Default: c.DefaultBackend}
}

// RetryPolicy converts the retry block. Delays were validated already,
// so parse failures fall back to defaults rather than erroring.
func (c *RuntimeConfig) RetryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = c.Retry.MaxAttempts
	if d, err := time.ParseDuration(c.Retry.BaseDelay); err == nil {
		policy.BaseDelay = d
	}
	if d, err := time.ParseDuration(c.Retry.MaxDelay); err == nil {
		policy.MaxDelay = d
	}
	return policy
}

// StorageModeValue returns the parsed transcript mode.
func (c *RuntimeConfig) StorageModeValue() transcript.Mode {
	mode, err := transcript.ParseMode(c.StorageMode)
	if err != nil {
		return transcript.ModeStateless
	}
	return mode
}

// ApprovalMode returns the parsed gate mode.
func (c *RuntimeConfig) ApprovalMode() dispatch.Mode {
	mode, ok := dispatch.ParseMode(c.Approval.Mode)
	if !ok {
		return dispatch.ModeDeny
	}
	return mode
}

// TelemetryConfig converts the telemetry block.
func (c *RuntimeConfig) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName: c.Telemetry.ServiceName,
		Environment: c.Telemetry.Environment,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Filter:      telemetry.FilterConfig{Patterns: c.Telemetry.MaskPatterns},
	}
}
