package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references. In JSON sources the value is
// escaped so it stays inside its string literal.
func expandEnv(data []byte, format string) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		v := os.Getenv(string(envRef.FindSubmatch(m)[1]))
		if format != "json" {
			return []byte(v)
		}
		b, err := json.Marshal(v)
		if err != nil || len(b) < 2 {
			return nil
		}
		return b[1 : len(b)-1]
	})
}
