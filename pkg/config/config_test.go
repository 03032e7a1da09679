package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Registration.Scales) != len(cfg.Registration.Iterations) {
		t.Errorf("default scales %v and iterations %v differ in length",
			cfg.Registration.Scales, cfg.Registration.Iterations)
	}
	if cfg.Registration.Scales[0] <= cfg.Registration.Scales[len(cfg.Registration.Scales)-1] {
		t.Errorf("default scales %v are not coarse to fine", cfg.Registration.Scales)
	}
	if cfg.Registration.Loss != "cc" {
		t.Errorf("default loss %q, want cc", cfg.Registration.Loss)
	}
	if cfg.Registration.ToleranceMode != "atol" {
		t.Errorf("default tolerance mode %q, want atol", cfg.Registration.ToleranceMode)
	}
	if cfg.Optimizer.LearningRate <= 0 {
		t.Errorf("default learning rate %f, want positive", cfg.Optimizer.LearningRate)
	}
	if len(cfg.Input.FixedSpacing) != 3 {
		t.Errorf("default fixed spacing %v, want 3 entries", cfg.Input.FixedSpacing)
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	want := DefaultConfig()
	if cfg.Registration.Loss != want.Registration.Loss ||
		cfg.Optimizer.Rule != want.Optimizer.Rule {
		t.Error("missing file did not return defaults")
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volreg.yaml")
	body := `registration:
  scales: [2, 1]
  iterations: [40, 20]
  loss: mse
optimizer:
  rule: sgd
  learningRate: 0.25
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.Registration.Scales) != 2 || cfg.Registration.Scales[0] != 2 {
		t.Errorf("scales %v, want [2 1]", cfg.Registration.Scales)
	}
	if cfg.Registration.Loss != "mse" {
		t.Errorf("loss %q, want mse", cfg.Registration.Loss)
	}
	if cfg.Optimizer.Rule != "sgd" || cfg.Optimizer.LearningRate != 0.25 {
		t.Errorf("optimizer %q/%f, want sgd/0.25", cfg.Optimizer.Rule, cfg.Optimizer.LearningRate)
	}
	// Untouched fields keep their defaults.
	if cfg.Registration.ToleranceMode != "atol" {
		t.Errorf("tolerance mode %q, want default atol", cfg.Registration.ToleranceMode)
	}
	if cfg.Output.MovedDir != "moved_images" {
		t.Errorf("moved dir %q, want default", cfg.Output.MovedDir)
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volreg.yaml")
	if err := os.WriteFile(path, []byte("registration: ["), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "volreg.yaml")

	cfg := DefaultConfig()
	cfg.Registration.Scales = []int{8, 4, 2, 1}
	cfg.Output.SaveMoved = true
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Registration.Scales) != 4 {
		t.Errorf("scales %v, want 4 entries", loaded.Registration.Scales)
	}
	if !loaded.Output.SaveMoved {
		t.Error("saveMoved flag lost in round trip")
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volreg.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not written: %v", err)
	}
}
