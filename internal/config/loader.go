package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment variables read by the loader.
const EnvPrefix = "SWARMFIRE"

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

func defaultConfig() *Config {
	return &Config{
		Sessions:         1,
		Interval:         time.Second,
		Dialect:          "envelope",
		Headers:          map[string]string{},
		HandshakeTimeout: 30 * time.Second,
		AckTimeout:       10 * time.Second,
		ReceiveTimeout:   time.Second,
		LogFormat:        "text",
		Arrival:          ArrivalConfig{Model: ArrivalModelUniform},
		Tracing:          TracingConfig{Protocol: "grpc", SampleRate: 1.0},
	}
}

// Load parses command-line arguments and configuration files to produce a Config.
// Precedence is flags, then SWARMFIRE_* environment, then the config file.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	// If no arguments provided and no config file, show help/usage
	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := cfgViper.AllSettings()

	cfg := defaultConfig()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(cfg, settings); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.TargetURL = strings.TrimSpace(cfg.TargetURL)
	cfg.PayloadFile = strings.TrimSpace(cfg.PayloadFile)
	cfg.Dialect = strings.ToLower(strings.TrimSpace(cfg.Dialect))

	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}

	return cfg, nil
}

// applyEnvOverrides reads secrets that should not have to live on the
// command line or in a checked-in config file.
func applyEnvOverrides(cfg *Config) {
	env := viper.New()
	env.SetEnvPrefix(EnvPrefix)
	env.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	_ = env.BindEnv("auth_token")
	_ = env.BindEnv("tracing_endpoint")

	if token := env.GetString("auth_token"); token != "" {
		cfg.AuthToken = token
	}
	if endpoint := strings.TrimSpace(env.GetString("tracing_endpoint")); endpoint != "" {
		cfg.Tracing.Endpoint = endpoint
	}
}

// ResolvePayload returns the subscription document, reading PayloadFile when
// it is set.
func (c Config) ResolvePayload() (string, error) {
	if c.PayloadFile == "" {
		return c.Payload, nil
	}
	data, err := os.ReadFile(c.PayloadFile)
	if err != nil {
		return "", fmt.Errorf("read payload file: %w", err)
	}
	return string(data), nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	stringFields := []struct {
		name   string
		keys   []string
		target *string
	}{
		{"target", []string{"target"}, &cfg.TargetURL},
		{"dialect", []string{"dialect"}, &cfg.Dialect},
		{"payloadFile", []string{"payloadfile", "payload_file", "payload-file"}, &cfg.PayloadFile},
		{"authToken", []string{"authtoken", "auth_token", "auth-token"}, &cfg.AuthToken},
		{"logFormat", []string{"logformat", "log_format", "log-format"}, &cfg.LogFormat},
		{"htmlOutput", []string{"htmloutput", "html_output", "html-output"}, &cfg.HTMLOutput},
	}
	for _, f := range stringFields {
		raw, ok := lookupSetting(settings, f.keys...)
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.target = strings.TrimSpace(val)
	}
	// The document is kept verbatim.
	if raw, ok := lookupSetting(settings, "payload"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		cfg.Payload = val
	}

	intFields := []struct {
		name   string
		keys   []string
		target *int
	}{
		{"sessions", []string{"sessions"}, &cfg.Sessions},
		{"messages", []string{"messages"}, &cfg.Messages},
		{"maxFailed", []string{"maxfailed", "max_failed", "max-failed"}, &cfg.MaxFailed},
	}
	for _, f := range intFields {
		raw, ok := lookupSetting(settings, f.keys...)
		if !ok {
			continue
		}
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.target = val
	}

	durationFields := []struct {
		name   string
		keys   []string
		target *time.Duration
	}{
		{"interval", []string{"interval"}, &cfg.Interval},
		{"duration", []string{"duration"}, &cfg.Duration},
		{"handshakeTimeout", []string{"handshaketimeout", "handshake_timeout", "handshake-timeout"}, &cfg.HandshakeTimeout},
		{"ackTimeout", []string{"acktimeout", "ack_timeout", "ack-timeout"}, &cfg.AckTimeout},
		{"receiveTimeout", []string{"receivetimeout", "receive_timeout", "receive-timeout"}, &cfg.ReceiveTimeout},
		{"idleTimeout", []string{"idletimeout", "idle_timeout", "idle-timeout"}, &cfg.IdleTimeout},
		{"grace", []string{"grace"}, &cfg.Grace},
	}
	for _, f := range durationFields {
		raw, ok := lookupSetting(settings, f.keys...)
		if !ok {
			continue
		}
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.target = val
	}

	boolFields := []struct {
		name   string
		keys   []string
		target *bool
	}{
		{"verbose", []string{"verbose"}, &cfg.Verbose},
		{"jsonOutput", []string{"jsonoutput", "json_output", "json-output"}, &cfg.JSONOutput},
		{"yamlOutput", []string{"yamloutput", "yaml_output", "yaml-output"}, &cfg.YAMLOutput},
		{"dashboard", []string{"dashboard"}, &cfg.Dashboard},
	}
	for _, f := range boolFields {
		raw, ok := lookupSetting(settings, f.keys...)
		if !ok {
			continue
		}
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.target = val
	}

	if raw, ok := lookupSetting(settings, "spawnrate", "spawn_rate", "spawn-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("spawnRate: %w", err)
		}
		cfg.SpawnRate = val
	}

	if raw, ok := lookupSetting(settings, "headers"); ok {
		hdrs, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("headers: %w", err)
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for k, v := range hdrs {
			cfg.Headers[http.CanonicalHeaderKey(k)] = v
		}
	}

	if raw, ok := lookupSetting(settings, "arrival"); ok {
		arrival, err := parseArrival(raw)
		if err != nil {
			return fmt.Errorf("arrival: %w", err)
		}
		if arrival.Model != "" {
			cfg.Arrival = arrival
		}
	} else if raw, ok := lookupSetting(settings, "arrivalmodel", "arrival_model", "arrival-model"); ok {
		arrival, err := parseArrival(raw)
		if err != nil {
			return fmt.Errorf("arrivalModel: %w", err)
		}
		if arrival.Model != "" {
			cfg.Arrival = arrival
		}
	}

	if raw, ok := lookupSetting(settings, "feeder"); ok {
		feeder, err := parseFeeder(raw)
		if err != nil {
			return fmt.Errorf("feeder: %w", err)
		}
		cfg.Feeder = feeder
	}

	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		vals, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = vals
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		if err := parseTracing(&cfg.Tracing, raw); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	return nil
}

func parseArrival(value interface{}) (ArrivalConfig, error) {
	if value == nil {
		return ArrivalConfig{}, nil
	}
	switch v := value.(type) {
	case string:
		model := strings.ToLower(strings.TrimSpace(v))
		if model == "" {
			return ArrivalConfig{}, nil
		}
		return ArrivalConfig{Model: ArrivalModel(model)}, nil
	default:
		m, err := toStringKeyMap(value)
		if err != nil {
			return ArrivalConfig{}, err
		}
		raw, ok := m["model"]
		if !ok {
			return ArrivalConfig{}, nil
		}
		model, err := asString(raw)
		if err != nil {
			return ArrivalConfig{}, fmt.Errorf("model: %w", err)
		}
		return ArrivalConfig{Model: ArrivalModel(strings.ToLower(strings.TrimSpace(model)))}, nil
	}
}

func parseFeeder(value interface{}) (FeederConfig, error) {
	if value == nil {
		return FeederConfig{}, nil
	}
	m, err := toStringKeyMap(value)
	if err != nil {
		return FeederConfig{}, err
	}
	var feeder FeederConfig
	if raw, ok := lookupSetting(m, "path"); ok {
		val, err := asString(raw)
		if err != nil {
			return FeederConfig{}, fmt.Errorf("path: %w", err)
		}
		feeder.Path = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(m, "type"); ok {
		val, err := asString(raw)
		if err != nil {
			return FeederConfig{}, fmt.Errorf("type: %w", err)
		}
		feeder.Type = strings.ToLower(strings.TrimSpace(val))
	}
	return feeder, nil
}

func parseTracing(tc *TracingConfig, value interface{}) error {
	m, err := toStringKeyMap(value)
	if err != nil {
		return err
	}

	if raw, ok := lookupSetting(m, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		tc.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(m, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
		tc.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if raw, ok := lookupSetting(m, "servicename", "service_name", "service-name"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("serviceName: %w", err)
		}
		tc.ServiceName = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(m, "samplerate", "sample_rate", "sample-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sampleRate: %w", err)
		}
		tc.SampleRate = val
	}
	if raw, ok := lookupSetting(m, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		tc.Insecure = val
	}
	if raw, ok := lookupSetting(m, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		tc.Propagate = &val
	}
	return nil
}
