package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/torosent/swarmfire/internal/protocol"
	"github.com/torosent/swarmfire/internal/threshold"
)

// highSessionCount triggers an authorization warning on stderr.
const highSessionCount = 500

type Config struct {
	TargetURL        string            `mapstructure:"target"`
	Sessions         int               `mapstructure:"sessions"`
	Interval         time.Duration     `mapstructure:"interval"`
	Duration         time.Duration     `mapstructure:"duration"`
	Messages         int               `mapstructure:"messages"`
	Payload          string            `mapstructure:"payload"`
	PayloadFile      string            `mapstructure:"payload_file"`
	AuthToken        string            `mapstructure:"auth_token"`
	Dialect          string            `mapstructure:"dialect"`
	Headers          map[string]string `mapstructure:"headers"`
	HandshakeTimeout time.Duration     `mapstructure:"handshake_timeout"`
	AckTimeout       time.Duration     `mapstructure:"ack_timeout"`
	ReceiveTimeout   time.Duration     `mapstructure:"receive_timeout"`
	IdleTimeout      time.Duration     `mapstructure:"idle_timeout"`
	Grace            time.Duration     `mapstructure:"grace"`
	SpawnRate        float64           `mapstructure:"spawn_rate"`
	Arrival          ArrivalConfig     `mapstructure:"arrival"`
	Feeder           FeederConfig      `mapstructure:"feeder"`
	Verbose          bool              `mapstructure:"verbose"`
	LogFormat        string            `mapstructure:"log_format"`
	JSONOutput       bool              `mapstructure:"json_output"`
	YAMLOutput       bool              `mapstructure:"yaml_output"`
	HTMLOutput       string            `mapstructure:"html_output"`
	Dashboard        bool              `mapstructure:"dashboard"`
	Thresholds       []string          `mapstructure:"thresholds"`
	MaxFailed        int               `mapstructure:"max_failed"`
	Tracing          TracingConfig     `mapstructure:"tracing"`
	ConfigFile       string            `mapstructure:"-"`
}

type ArrivalModel string

const (
	ArrivalModelUniform ArrivalModel = "uniform"
	ArrivalModelPoisson ArrivalModel = "poisson"
)

type ArrivalConfig struct {
	Model ArrivalModel `mapstructure:"model"`
}

// FeederConfig names a CSV or JSON data set whose rows are assigned to
// sessions by id and substituted into {{field}} placeholders.
type FeederConfig struct {
	Path string `mapstructure:"path"`
	Type string `mapstructure:"type"` // "csv" or "json"; inferred from the extension when empty
}

// TracingConfig enables OTLP export of session spans.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"` // "grpc" or "http"
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	// Propagate defaults to true when tracing is enabled.
	Propagate *bool `mapstructure:"propagate"`
}

func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != ""
}

func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate == nil {
		return true
	}
	return *t.Propagate
}

// Unattended reports whether the run must not draw progress output, because
// a machine-readable report owns stdout.
func (c Config) Unattended() bool {
	return c.JSONOutput || c.YAMLOutput
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	issues = append(issues, validateTarget(c.TargetURL)...)

	if c.Sessions > highSessionCount {
		fmt.Fprintf(os.Stderr, "WARNING: High session count configured (%d sessions). Ensure you have authorization to test the target system.\n", c.Sessions)
	}

	if c.Sessions < 1 {
		issues = append(issues, "sessions must be >= 1")
	}
	if c.Interval <= 0 {
		issues = append(issues, "interval must be > 0")
	}
	if c.Duration < 0 {
		issues = append(issues, "duration must be >= 0")
	}
	if c.Messages < 0 {
		issues = append(issues, "messages must be >= 0")
	}
	if strings.TrimSpace(c.Payload) != "" && strings.TrimSpace(c.PayloadFile) != "" {
		issues = append(issues, "payload and payloadFile are mutually exclusive")
	}
	if _, err := protocol.Lookup(c.Dialect); err != nil {
		issues = append(issues, err.Error())
	}

	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"handshake-timeout", c.HandshakeTimeout},
		{"ack-timeout", c.AckTimeout},
		{"receive-timeout", c.ReceiveTimeout},
		{"idle-timeout", c.IdleTimeout},
		{"grace", c.Grace},
	}
	for _, to := range timeouts {
		if to.value < 0 {
			issues = append(issues, fmt.Sprintf("%s must be >= 0", to.name))
		}
	}

	if c.SpawnRate < 0 {
		issues = append(issues, "spawn-rate must be >= 0")
	}
	if c.MaxFailed < 0 {
		issues = append(issues, "max-failed must be >= 0")
	}

	outputs := 0
	for _, on := range []bool{c.JSONOutput, c.YAMLOutput, c.Dashboard} {
		if on {
			outputs++
		}
	}
	if outputs > 1 {
		issues = append(issues, "json-output, yaml-output and dashboard are mutually exclusive")
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		issues = append(issues, fmt.Sprintf("log format %q is not supported", c.LogFormat))
	}

	issues = append(issues, validateArrivalConfig(c.Arrival)...)
	issues = append(issues, validateFeederConfig(c.Feeder)...)
	issues = append(issues, validateTracingConfig(c.Tracing)...)

	if _, err := threshold.ParseMultiple(c.Thresholds); err != nil {
		issues = append(issues, err.Error())
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateTarget(target string) []string {
	target = strings.TrimSpace(target)
	if target == "" {
		return []string{"target is required (use --help for usage information)"}
	}
	u, err := url.Parse(target)
	if err != nil {
		return []string{fmt.Sprintf("target: %v", err)}
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return []string{fmt.Sprintf("target must use the ws or wss scheme, got %q", u.Scheme)}
	}
	if u.Host == "" {
		return []string{"target must include a host"}
	}
	return nil
}

func validateArrivalConfig(arr ArrivalConfig) []string {
	model := arr.Model
	if model == "" {
		model = ArrivalModelUniform
	}
	switch model {
	case ArrivalModelUniform, ArrivalModelPoisson:
		return nil
	default:
		return []string{fmt.Sprintf("arrival model %q is not supported", model)}
	}
}

func validateFeederConfig(f FeederConfig) []string {
	if strings.TrimSpace(f.Path) == "" {
		if f.Type != "" {
			return []string{"feeder: path is required when type is specified"}
		}
		return nil
	}
	switch strings.ToLower(f.Type) {
	case "", "csv", "json":
		return nil
	default:
		return []string{fmt.Sprintf("feeder: type must be 'csv' or 'json', got %q", f.Type)}
	}
}

func validateTracingConfig(t TracingConfig) []string {
	var issues []string
	if t.SampleRate < 0 || t.SampleRate > 1 {
		issues = append(issues, "tracing sample rate must be between 0.0 and 1.0")
	}
	switch strings.ToLower(t.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing protocol %q is not supported (use grpc or http)", t.Protocol))
	}
	return issues
}
