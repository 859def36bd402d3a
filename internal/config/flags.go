package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "swarmfire",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Target flags
	flags.String("target", "", "WebSocket endpoint to simulate against (ws:// or wss://)")
	flags.String("dialect", "envelope", "Wire dialect: 'envelope' or 'graphql-ws'")
	flags.StringSlice("header", nil, "Additional handshake header in key=value form")
	flags.String("payload", "", "Inline subscription document")
	flags.String("payload-file", "", "Path to file containing the subscription document")
	flags.String("auth-token", "", "Opaque token sent with the init message (env SWARMFIRE_AUTH_TOKEN)")

	// Session flags
	flags.IntP("sessions", "c", 1, "Number of concurrent sessions")
	flags.VarP(newSecondsValue(time.Second), "interval", "i", "Cadence between application messages (e.g. 500ms or 0.5)")
	flags.VarP(newSecondsValue(0), "duration", "d", "Session lifetime (e.g. 30s or 30); overrides --messages")
	flags.IntP("messages", "m", 0, "Application messages per session when no duration is set")
	flags.Duration("handshake-timeout", 30*time.Second, "WebSocket dial and upgrade timeout")
	flags.Duration("ack-timeout", 10*time.Second, "Max wait for the server to acknowledge init")
	flags.Duration("receive-timeout", time.Second, "Per-poll receive timeout")
	flags.Duration("idle-timeout", 0, "Max silence while streaming (0 disables)")
	flags.Duration("grace", 0, "Time to let sessions finish after the run deadline (0 means one interval)")
	flags.Float64("spawn-rate", 0, "Sessions spawned per second (0 means all at once)")
	flags.String("arrival-model", string(ArrivalModelUniform), "Arrival model when pacing session spawns (uniform or poisson)")

	// Feeder flags
	flags.String("feeder-path", "", "Path to a CSV or JSON data set whose rows fill {{field}} placeholders per session")
	flags.String("feeder-type", "", "Type of feeder file: 'csv' or 'json' (default: from the file extension)")

	// Output flags
	flags.BoolP("verbose", "v", false, "Log session transitions and list unsuccessful sessions")
	flags.String("log-format", "text", "Log format on stderr: 'text' or 'json'")
	flags.Bool("json-output", false, "Emit JSON formatted output")
	flags.Bool("yaml-output", false, "Emit YAML formatted output")
	flags.String("html-output", "", "Generate HTML report to the specified file path")
	flags.Bool("dashboard", false, "Show live terminal dashboard with metrics")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// Threshold flags
	flags.StringSlice("threshold", nil, "Pass/fail thresholds (repeatable, e.g., 'sessions_failed:count < 1')")
	flags.Int("max-failed", 0, "Failed and timed-out sessions tolerated before a non-zero exit")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP collector endpoint (enables tracing)")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Float64("tracing-sample-rate", 1.0, "Fraction of sessions to trace (0.0-1.0)")
	flags.String("tracing-service-name", "", "Service name reported to the collector")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// secondsValue is a duration flag that also accepts bare float seconds.
type secondsValue struct {
	d *time.Duration
}

func newSecondsValue(def time.Duration) *secondsValue {
	d := def
	return &secondsValue{d: &d}
}

func (s *secondsValue) String() string {
	if s == nil || s.d == nil {
		return "0s"
	}
	return s.d.String()
}

func (s *secondsValue) Set(raw string) error {
	d, err := asDuration(raw)
	if err != nil {
		return err
	}
	*s.d = d
	return nil
}

func (s *secondsValue) Type() string { return "duration" }

func getSeconds(fs *pflag.FlagSet, name string) (time.Duration, error) {
	flag := fs.Lookup(name)
	if flag == nil {
		return 0, fmt.Errorf("flag %q not defined", name)
	}
	v, ok := flag.Value.(*secondsValue)
	if !ok {
		return 0, fmt.Errorf("flag %q is not a duration", name)
	}
	return *v.d, nil
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("target") {
		val, err := fs.GetString("target")
		if err != nil {
			return err
		}
		cfg.TargetURL = strings.TrimSpace(val)
	}
	if fs.Changed("dialect") {
		val, err := fs.GetString("dialect")
		if err != nil {
			return err
		}
		cfg.Dialect = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("payload") {
		val, err := fs.GetString("payload")
		if err != nil {
			return err
		}
		cfg.Payload = val
		cfg.PayloadFile = ""
	}
	if fs.Changed("payload-file") {
		val, err := fs.GetString("payload-file")
		if err != nil {
			return err
		}
		cfg.PayloadFile = val
		cfg.Payload = ""
	}
	if fs.Changed("auth-token") {
		val, err := fs.GetString("auth-token")
		if err != nil {
			return err
		}
		cfg.AuthToken = val
	}
	if fs.Changed("sessions") {
		val, err := fs.GetInt("sessions")
		if err != nil {
			return err
		}
		cfg.Sessions = val
	}
	if fs.Changed("interval") {
		val, err := getSeconds(fs, "interval")
		if err != nil {
			return err
		}
		cfg.Interval = val
	}
	if fs.Changed("duration") {
		val, err := getSeconds(fs, "duration")
		if err != nil {
			return err
		}
		cfg.Duration = val
	}
	if fs.Changed("messages") {
		val, err := fs.GetInt("messages")
		if err != nil {
			return err
		}
		cfg.Messages = val
	}

	durations := []struct {
		flag   string
		target *time.Duration
	}{
		{"handshake-timeout", &cfg.HandshakeTimeout},
		{"ack-timeout", &cfg.AckTimeout},
		{"receive-timeout", &cfg.ReceiveTimeout},
		{"idle-timeout", &cfg.IdleTimeout},
		{"grace", &cfg.Grace},
	}
	for _, d := range durations {
		if !fs.Changed(d.flag) {
			continue
		}
		val, err := fs.GetDuration(d.flag)
		if err != nil {
			return err
		}
		*d.target = val
	}

	if fs.Changed("spawn-rate") {
		val, err := fs.GetFloat64("spawn-rate")
		if err != nil {
			return err
		}
		cfg.SpawnRate = val
	}
	if fs.Changed("arrival-model") {
		val, err := fs.GetString("arrival-model")
		if err != nil {
			return err
		}
		cfg.Arrival.Model = ArrivalModel(strings.ToLower(strings.TrimSpace(val)))
	}
	if fs.Changed("feeder-path") {
		val, err := fs.GetString("feeder-path")
		if err != nil {
			return err
		}
		cfg.Feeder.Path = strings.TrimSpace(val)
	}
	if fs.Changed("feeder-type") {
		val, err := fs.GetString("feeder-type")
		if err != nil {
			return err
		}
		cfg.Feeder.Type = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("verbose") {
		val, err := fs.GetBool("verbose")
		if err != nil {
			return err
		}
		cfg.Verbose = val
	}
	if fs.Changed("log-format") {
		val, err := fs.GetString("log-format")
		if err != nil {
			return err
		}
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("yaml-output") {
		val, err := fs.GetBool("yaml-output")
		if err != nil {
			return err
		}
		cfg.YAMLOutput = val
	}
	if fs.Changed("html-output") {
		val, err := fs.GetString("html-output")
		if err != nil {
			return err
		}
		cfg.HTMLOutput = strings.TrimSpace(val)
	}
	if fs.Changed("dashboard") {
		val, err := fs.GetBool("dashboard")
		if err != nil {
			return err
		}
		cfg.Dashboard = val
	}

	vals, err := fs.GetStringSlice("header")
	if err != nil {
		return err
	}
	if len(vals) > 0 {
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for _, entry := range vals {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("header must be in key=value format: %s", entry)
			}
			key := http.CanonicalHeaderKey(strings.TrimSpace(parts[0]))
			if key == "" {
				return fmt.Errorf("header key cannot be empty")
			}
			cfg.Headers[key] = strings.TrimSpace(parts[1])
		}
	}

	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}
	if fs.Changed("max-failed") {
		val, err := fs.GetInt("max-failed")
		if err != nil {
			return err
		}
		cfg.MaxFailed = val
	}

	if fs.Changed("tracing-endpoint") {
		val, err := fs.GetString("tracing-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = strings.TrimSpace(val)
	}
	if fs.Changed("tracing-protocol") {
		val, err := fs.GetString("tracing-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("tracing-service-name") {
		val, err := fs.GetString("tracing-service-name")
		if err != nil {
			return err
		}
		cfg.Tracing.ServiceName = strings.TrimSpace(val)
	}

	return nil
}
