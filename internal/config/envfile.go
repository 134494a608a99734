package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// envFileCandidates lists env files in load order: FLEETGATE_ENV_FILE, then
// the XDG location, then one beside config.json. Duplicates are dropped.
func envFileCandidates() []string {
	var paths []string
	if explicit := strings.TrimSpace(os.Getenv(EnvPrefix + "_ENV_FILE")); explicit != "" {
		paths = append(paths, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fleetgate", "env"))
	}
	if home, err := resolveHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ConfigDir, "env"))
	}
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// LoadEnvFileCandidates loads every env file that exists. Variables already
// set in the process, or by an earlier file, win.
func LoadEnvFileCandidates() {
	for _, p := range envFileCandidates() {
		_ = loadEnvFile(p)
	}
}

func loadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return godotenv.Load(path)
}
