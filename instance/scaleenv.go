package instance

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ScaleEnv reads and writes the KEY=VALUE replica override file that
// survives instance restarts. An absent key means one replica; writing a
// value of one removes the key. Lines the tool does not own (comments,
// unrelated variables) pass through every rewrite verbatim.
type ScaleEnv struct {
	Path string
}

// Read returns the persisted replica overrides. A missing file means no
// overrides.
func (s *ScaleEnv) Read() (map[string]int, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int{}, nil
		}
		return nil, fmt.Errorf("read scale overrides %s: %w", s.Path, err)
	}

	overrides := map[string]int{}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		overrides[strings.TrimSpace(key)] = n
	}
	return overrides, nil
}

// Replicas returns the persisted replica count for the given variable,
// defaulting to one when absent.
func (s *ScaleEnv) Replicas(key string) (int, error) {
	overrides, err := s.Read()
	if err != nil {
		return 0, err
	}
	if n, ok := overrides[key]; ok {
		return n, nil
	}
	return 1, nil
}

// Set persists a replica override, rewriting only the line that carries the
// given key. A value of one erases the key, since one is the implied
// default of the persisted format.
func (s *ScaleEnv) Set(key string, replicas int) error {
	var lines []string
	data, err := os.ReadFile(s.Path)
	if err == nil {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if len(lines) == 1 && lines[0] == "" {
			lines = nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read scale overrides %s: %w", s.Path, err)
	}

	out := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		existing, _, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && strings.TrimSpace(existing) == key {
			continue
		}
		out = append(out, line)
	}
	if replicas != 1 {
		out = append(out, fmt.Sprintf("%s=%d", key, replicas))
	}

	content := strings.Join(out, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(s.Path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write scale overrides %s: %w", s.Path, err)
	}
	return nil
}
