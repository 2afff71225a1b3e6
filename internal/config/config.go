// Package config provides the configuration schema, loader, and validation
// for the simulcast interpretation engine.
package config

import (
	"github.com/voxbridge/simulcast/internal/vad"
)

// AudioPreset selects the VAD/Segmenter buffer and timing profile
// (spec.md §6).
type AudioPreset string

const (
	PresetBalanced   AudioPreset = "BALANCED"
	PresetAggressive AudioPreset = "AGGRESSIVE"
	PresetLowLatency AudioPreset = "LOW_LATENCY"
	PresetServerVAD  AudioPreset = "SERVER_VAD"
)

// IsValid reports whether p is a recognised preset.
func (p AudioPreset) IsValid() bool {
	switch p {
	case PresetBalanced, PresetAggressive, PresetLowLatency, PresetServerVAD:
		return true
	}
	return false
}

// ToVADPreset maps the config-surface name to the vad package's internal
// enum. Unrecognised values fall back to Balanced.
func (p AudioPreset) ToVADPreset() vad.Preset {
	switch p {
	case PresetAggressive:
		return vad.Aggressive
	case PresetLowLatency:
		return vad.LowLatency
	case PresetServerVAD:
		return vad.ServerVAD
	default:
		return vad.Balanced
	}
}

// Mode names which audio stream the Capture front end reads from
// (spec.md §6). It is loaded and validated only; cmd/simulcast captures
// from stdin whatever its value.
type Mode string

const (
	ModeMicrophone Mode = "MICROPHONE"
	ModeSystem     Mode = "SYSTEM"
)

// IsValid reports whether m is a recognised capture mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeMicrophone, ModeSystem:
		return true
	}
	return false
}

// Sensitivity scales the VAD noise floor (spec.md §6).
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "LOW"
	SensitivityMedium Sensitivity = "MEDIUM"
	SensitivityHigh   Sensitivity = "HIGH"
)

// IsValid reports whether s is a recognised sensitivity.
func (s Sensitivity) IsValid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return true
	}
	return false
}

// ToVADSensitivity maps the config-surface name to the vad package's
// internal enum. Unrecognised or empty values fall back to Medium.
func (s Sensitivity) ToVADSensitivity() vad.Sensitivity {
	switch s {
	case SensitivityLow:
		return vad.SensitivityLow
	case SensitivityHigh:
		return vad.SensitivityHigh
	default:
		return vad.SensitivityMedium
	}
}

// LogLevel controls log verbosity, the same "debug"/"info"/"warn"/"error"
// vocabulary the teacher's server config uses.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, "":
		return true
	}
	return false
}

// Config is the root configuration for a simulcast session (spec.md §6's
// external config surface), loaded from YAML and then layered with
// environment-variable overrides by [Load].
type Config struct {
	RealtimeURL   string `yaml:"realtime_url"`
	RealtimeModel string `yaml:"realtime_model"`
	ChatModel     string `yaml:"chat_model"`
	AuthToken     string `yaml:"auth_token"`

	AudioPreset    AudioPreset `yaml:"audio_preset"`
	VADMode        Mode        `yaml:"vad_mode"`
	VADSensitivity Sensitivity `yaml:"vad_sensitivity"`
	TargetLang     string      `yaml:"target_lang"`

	AECStepSize  float64 `yaml:"aec_step_size"`
	AECFilterLen int     `yaml:"aec_filter_len"`

	OutputVolume    float64 `yaml:"output_volume"`
	PlaybackEnabled bool    `yaml:"playback_enabled"`

	LogLevel LogLevel `yaml:"log_level"`
}

// defaultConfig fills zero-valued fields with the defaults spec.md names
// for an unset config surface.
func defaultConfig(cfg Config) Config {
	if cfg.AudioPreset == "" {
		cfg.AudioPreset = PresetBalanced
	}
	if cfg.VADMode == "" {
		cfg.VADMode = ModeMicrophone
	}
	if cfg.VADSensitivity == "" {
		cfg.VADSensitivity = SensitivityMedium
	}
	if cfg.TargetLang == "" {
		cfg.TargetLang = "en"
	}
	if cfg.AECStepSize == 0 {
		cfg.AECStepSize = 0.5
	}
	if cfg.AECFilterLen == 0 {
		cfg.AECFilterLen = 512
	}
	if cfg.OutputVolume == 0 {
		cfg.OutputVolume = 1.0
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	return cfg
}
