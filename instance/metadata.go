package instance

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// accountsPattern matches the one metadata line form the tool interprets.
// Everything else in the log is opaque commentary.
var accountsPattern = regexp.MustCompile(`^ACCOUNTS:\s*(\d+)$`)

// Metadata is the free-text, append-only, human-editable log kept next to
// the instance configuration. One entry per line.
type Metadata struct {
	Path string
}

// Read returns every line of the log. A missing file is an empty log.
func (m *Metadata) Read() ([]string, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metadata %s: %w", m.Path, err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// Append adds one timestamped entry per given line.
func (m *Metadata) Append(lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	f, err := os.OpenFile(m.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open metadata %s: %w", m.Path, err)
	}
	defer f.Close()

	stamp := time.Now().Format(time.RFC3339)
	for _, line := range lines {
		if _, err := fmt.Fprintf(f, "%s %s\n", stamp, line); err != nil {
			return fmt.Errorf("append metadata %s: %w", m.Path, err)
		}
	}
	return nil
}

// Accounts returns the account count encoded in the log, if any. When the
// line appears more than once the last occurrence wins, matching the
// append-only nature of the log.
func (m *Metadata) Accounts() (int, bool, error) {
	lines, err := m.Read()
	if err != nil {
		return 0, false, err
	}
	count, found := 0, false
	for _, line := range lines {
		match := accountsPattern.FindStringSubmatch(strings.TrimSpace(line))
		if match == nil {
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		count, found = n, true
	}
	return count, found, nil
}
