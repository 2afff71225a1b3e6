package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// variable overrides, and returns a validated [Config]. It is a convenience
// wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// variable overrides, fills in defaults, and validates the result. Useful
// in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnvOverrides(cfg)
	*cfg = defaultConfig(*cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overwrites cfg's fields from the environment variables
// spec.md §6 names, when set. Env vars take precedence over the YAML file
// so a deployment can override secrets (AUTH_TOKEN) without editing it.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("REALTIME_URL"); ok {
		cfg.RealtimeURL = v
	}
	if v, ok := os.LookupEnv("REALTIME_MODEL"); ok {
		cfg.RealtimeModel = v
	}
	if v, ok := os.LookupEnv("CHAT_MODEL"); ok {
		cfg.ChatModel = v
	}
	if v, ok := os.LookupEnv("AUTH_TOKEN"); ok {
		cfg.AuthToken = v
	}
	if v, ok := os.LookupEnv("AUDIO_PRESET"); ok {
		cfg.AudioPreset = AudioPreset(v)
	}
	if v, ok := os.LookupEnv("VAD_MODE"); ok {
		cfg.VADMode = Mode(v)
	}
	if v, ok := os.LookupEnv("VAD_SENSITIVITY"); ok {
		cfg.VADSensitivity = Sensitivity(v)
	}
	if v, ok := os.LookupEnv("TARGET_LANG"); ok {
		cfg.TargetLang = v
	}
	if v, ok := os.LookupEnv("AEC_STEP_SIZE"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AECStepSize = f
		}
	}
	if v, ok := os.LookupEnv("AEC_FILTER_LEN"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AECFilterLen = n
		}
	}
	if v, ok := os.LookupEnv("OUTPUT_VOLUME"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.OutputVolume = f
		}
	}
	if v, ok := os.LookupEnv("PLAYBACK_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PlaybackEnabled = b
		}
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; soft issues are
// logged rather than rejected.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.RealtimeURL == "" {
		errs = append(errs, errors.New("realtime_url is required"))
	}
	if cfg.AuthToken == "" {
		errs = append(errs, errors.New("auth_token is required"))
	}
	if !cfg.AudioPreset.IsValid() {
		errs = append(errs, fmt.Errorf("audio_preset %q is invalid; valid values: BALANCED, AGGRESSIVE, LOW_LATENCY, SERVER_VAD", cfg.AudioPreset))
	}
	if !cfg.VADMode.IsValid() {
		errs = append(errs, fmt.Errorf("vad_mode %q is invalid; valid values: MICROPHONE, SYSTEM", cfg.VADMode))
	}
	if !cfg.VADSensitivity.IsValid() {
		errs = append(errs, fmt.Errorf("vad_sensitivity %q is invalid; valid values: LOW, MEDIUM, HIGH", cfg.VADSensitivity))
	}
	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.AECStepSize <= 0 || cfg.AECStepSize >= 1 {
		errs = append(errs, fmt.Errorf("aec_step_size %.3f is out of range (0, 1)", cfg.AECStepSize))
	}
	if cfg.AECFilterLen <= 0 {
		errs = append(errs, fmt.Errorf("aec_filter_len %d must be positive", cfg.AECFilterLen))
	}
	if cfg.OutputVolume < 0 {
		errs = append(errs, fmt.Errorf("output_volume %.2f must not be negative", cfg.OutputVolume))
	}

	return errors.Join(errs...)
}
