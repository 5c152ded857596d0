// Package dotenv loads KEY=VALUE pairs from .env files into the process
// environment, for local development setups.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadFile reads a dotenv-style file and applies it to the process
// environment. Variables already present in the environment win over the
// file. A missing file is not an error.
func LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	vars, err := Parse(file)
	if err != nil {
		return fmt.Errorf("parse env file %q: %w", path, err)
	}

	for key, val := range vars {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set env %q from %q: %w", key, path, err)
		}
	}
	return nil
}

// Parse reads dotenv lines from r. Blank lines and comments are skipped,
// a leading "export " is tolerated, and values may be single- or
// double-quoted. An unquoted value ends at the first " #".
func Parse(r io.Reader) (map[string]string, error) {
	vars := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		line = strings.TrimPrefix(line, "export ")
		key, rawVal, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		vars[key] = parseValue(rawVal)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return vars, nil
}

func parseValue(raw string) string {
	val := strings.TrimSpace(raw)
	if len(val) >= 2 {
		if strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) {
			return val[1 : len(val)-1]
		}
		if strings.HasPrefix(val, "'") && strings.HasSuffix(val, "'") {
			return val[1 : len(val)-1]
		}
	}
	if idx := strings.Index(val, " #"); idx >= 0 {
		val = strings.TrimSpace(val[:idx])
	}
	return val
}
