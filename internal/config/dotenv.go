package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadDotEnv reads a .env-style file and sets variables into the process
// env. Lines starting with '#' are comments; `export KEY=VALUE` and quoted
// values are accepted. Existing variables win unless override is true.
func LoadDotEnv(path string, override bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}
		if !override {
			if _, ok := os.LookupEnv(key); ok {
				continue
			}
		}
		_ = os.Setenv(key, val)
	}
	return nil
}

// LoadDotEnvDefault loads .env from the working directory or next to the
// binary, ignoring missing files. Existing env vars are not overridden.
// Operator overrides such as STACKPILOT_CONFIG live here during development.
func LoadDotEnvDefault() {
	if cwd, err := os.Getwd(); err == nil {
		p := filepath.Join(cwd, ".env")
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			_ = LoadDotEnv(p, false)
		}
	}
	if exe, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exe), ".env")
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			_ = LoadDotEnv(p, false)
		}
	}
}
