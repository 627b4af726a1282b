package common

import "testing"

func TestConfig_DefaultPort(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port default = %d, want %d", cfg.Server.Port, 8080)
	}
}

func TestConfig_PortEnvOverride(t *testing.T) {
	t.Setenv("INVOICER_PORT", "9090")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d after env override, want %d", cfg.Server.Port, 9090)
	}
}

func TestConfig_GeminiKeyEnvOverride(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "gem-from-env")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Clients.Gemini.APIKey != "gem-from-env" {
		t.Errorf("Gemini.APIKey = %q, want %q", cfg.Clients.Gemini.APIKey, "gem-from-env")
	}
}

func TestConfig_OCRKeyEnvOverride(t *testing.T) {
	t.Setenv("OCR_API_KEY", "ocr-from-env")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Clients.OCR.APIKey != "ocr-from-env" {
		t.Errorf("OCR.APIKey = %q, want %q", cfg.Clients.OCR.APIKey, "ocr-from-env")
	}
}

func TestConfig_EmulationEnabledEnvOverride(t *testing.T) {
	t.Setenv("INVOICER_EMULATION_ENABLED", "false")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Dispatch.EmulationEnabled {
		t.Error("expected EmulationEnabled=false after env override")
	}
}

func TestConfig_IsProduction(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.IsProduction() {
		t.Error("default environment should not be production")
	}
	cfg.Environment = "production"
	if !cfg.IsProduction() {
		t.Error("expected IsProduction()=true for environment=production")
	}
}

func TestLifecycleConfig_StaleThreshold(t *testing.T) {
	cfg := &LifecycleConfig{HeartbeatInterval: "30s", StaleLockMultiplier: 3}
	if got, want := cfg.StaleThreshold().Seconds(), float64(600); got != want {
		t.Errorf("StaleThreshold() = %.0fs, want %.0fs (10m floor)", got, want)
	}

	cfg = &LifecycleConfig{HeartbeatInterval: "10m", StaleLockMultiplier: 5}
	if got, want := cfg.StaleThreshold().Minutes(), float64(50); got != want {
		t.Errorf("StaleThreshold() = %.0fm, want %.0fm", got, want)
	}
}

func TestIntakeConfig_MaxSizeBytes(t *testing.T) {
	cfg := &IntakeConfig{MaxSizeMB: 20}
	if got, want := cfg.MaxSizeBytes(), int64(20*1024*1024); got != want {
		t.Errorf("MaxSizeBytes() = %d, want %d", got, want)
	}
}
