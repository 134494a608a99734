package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFileParsesAndRespectsExistingValues(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "env")
	content := `
# comment
export FG_FOO=bar
FG_QUOTED="hello world"
FG_SINGLE='x y'
`
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("FG_FOO", "existing")
	t.Setenv("FG_QUOTED", "")
	t.Setenv("FG_SINGLE", "")
	os.Unsetenv("FG_QUOTED")
	os.Unsetenv("FG_SINGLE")

	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("FG_FOO"); got != "existing" {
		t.Fatalf("expected existing FG_FOO preserved, got %q", got)
	}
	if got := os.Getenv("FG_QUOTED"); got != "hello world" {
		t.Fatalf("expected FG_QUOTED loaded, got %q", got)
	}
	if got := os.Getenv("FG_SINGLE"); got != "x y" {
		t.Fatalf("expected FG_SINGLE loaded, got %q", got)
	}
}

func TestLoadUsesEnvFileCandidate(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".config", "fleetgate", "env"), "FLEETGATE_GATEWAY_PORT=19999\n")
	t.Setenv("FLEETGATE_GATEWAY_PORT", "")
	os.Unsetenv("FLEETGATE_GATEWAY_PORT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Gateway.Port != 19999 {
		t.Fatalf("expected gateway port from env file, got %d", cfg.Gateway.Port)
	}
}

func TestLoadEnvFileCandidatesFromExplicitPath(t *testing.T) {
	isolate(t)
	envPath := filepath.Join(t.TempDir(), "fleetgate.env")
	if err := os.WriteFile(envPath, []byte("FG_EXPLICIT_KEY=42\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("FLEETGATE_ENV_FILE", envPath)
	if got := envFileCandidates(); len(got) == 0 || got[0] != envPath {
		t.Fatalf("explicit env file should load first, got %v", got)
	}
	t.Setenv("FG_EXPLICIT_KEY", "")
	os.Unsetenv("FG_EXPLICIT_KEY")

	LoadEnvFileCandidates()

	if got := os.Getenv("FG_EXPLICIT_KEY"); got != "42" {
		t.Fatalf("expected FG_EXPLICIT_KEY loaded from explicit env file, got %q", got)
	}
}
