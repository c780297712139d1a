package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate, got %v", err)
	}
	if cfg.Processing.First != 10000 {
		t.Errorf("Expected first=10000, got %d", cfg.Processing.First)
	}
	if !cfg.Data.InvertData {
		t.Errorf("Expected data inversion to be on by default")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Missing config should fall back to defaults, got %v", err)
	}
	if cfg.Tilt.TiltDeg != 45 {
		t.Errorf("Expected default tiltDeg=45, got %f", cfg.Tilt.TiltDeg)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Processing.Workers = 3
	cfg.Tilt.DosePerTilt = 4.5
	cfg.Output.PreviewFormat = "tiff"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Processing.Workers != 3 {
		t.Errorf("Expected workers=3, got %d", loaded.Processing.Workers)
	}
	if loaded.Tilt.DosePerTilt != 4.5 {
		t.Errorf("Expected dosePerTilt=4.5, got %f", loaded.Tilt.DosePerTilt)
	}
	if loaded.Output.PreviewFormat != "tiff" {
		t.Errorf("Expected previewFormat=tiff, got %s", loaded.Output.PreviewFormat)
	}
}

func TestLoadConfigPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "processing:\n  workers: 2\n  first: 0\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Processing.Workers != 2 || cfg.Processing.First != 0 {
		t.Errorf("Expected overrides workers=2 first=0, got %d %d", cfg.Processing.Workers, cfg.Processing.First)
	}
	if cfg.Tilt.Voltage != 300 {
		t.Errorf("Unset values should keep defaults, got voltage=%f", cfg.Tilt.Voltage)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Processing.Workers = 0 }},
		{"negative first", func(c *Config) { c.Processing.First = -1 }},
		{"zero norm scale", func(c *Config) { c.Data.Norm = []float64{0, 0} }},
		{"short norm", func(c *Config) { c.Data.Norm = []float64{1} }},
		{"long norm", func(c *Config) { c.Data.Norm = []float64{0, 1, 2} }},
		{"preview format", func(c *Config) { c.Output.PreviewFormat = "gif" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
}
