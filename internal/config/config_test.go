package config_test

import (
	"testing"

	"github.com/voxbridge/simulcast/internal/config"
	"github.com/voxbridge/simulcast/internal/vad"
)

func TestAudioPreset_ToVADPreset(t *testing.T) {
	t.Parallel()
	cases := map[config.AudioPreset]vad.Preset{
		config.PresetBalanced:   vad.Balanced,
		config.PresetAggressive: vad.Aggressive,
		config.PresetLowLatency: vad.LowLatency,
		config.PresetServerVAD:  vad.ServerVAD,
		config.AudioPreset("BOGUS"): vad.Balanced,
		config.AudioPreset(""):      vad.Balanced,
	}
	for preset, want := range cases {
		if got := preset.ToVADPreset(); got != want {
			t.Errorf("%q.ToVADPreset() = %v, want %v", preset, got, want)
		}
	}
}

func TestSensitivity_ToVADSensitivity(t *testing.T) {
	t.Parallel()
	cases := map[config.Sensitivity]vad.Sensitivity{
		config.SensitivityLow:    vad.SensitivityLow,
		config.SensitivityMedium: vad.SensitivityMedium,
		config.SensitivityHigh:   vad.SensitivityHigh,
		config.Sensitivity("BOGUS"): vad.SensitivityMedium,
		config.Sensitivity(""):      vad.SensitivityMedium,
	}
	for sensitivity, want := range cases {
		if got := sensitivity.ToVADSensitivity(); got != want {
			t.Errorf("%q.ToVADSensitivity() = %v, want %v", sensitivity, got, want)
		}
	}
}

func TestAudioPreset_IsValid(t *testing.T) {
	t.Parallel()
	valid := []config.AudioPreset{config.PresetBalanced, config.PresetAggressive, config.PresetLowLatency, config.PresetServerVAD}
	for _, p := range valid {
		if !p.IsValid() {
			t.Errorf("%q: want valid", p)
		}
	}
	invalid := []config.AudioPreset{"", "TURBO", "balanced"}
	for _, p := range invalid {
		if p.IsValid() {
			t.Errorf("%q: want invalid", p)
		}
	}
}
