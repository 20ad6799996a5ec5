// Package pidfile writes and reads the agent's .bot.pid file. The
// current format is a small JSON document; a legacy file holding a bare
// integer is still readable.
package pidfile

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Info is the pid file contents.
type Info struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	APIPort   int       `json:"apiPort,omitempty"`
}

// Write records the current process in the pid file.
func Write(path string, apiPort int) error {
	data, err := json.Marshal(Info{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		APIPort:   apiPort,
	})
	if err != nil {
		return fmt.Errorf("marshal pid file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Read parses the pid file in either format.
func Read(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("read pid file: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if pid, err := strconv.Atoi(trimmed); err == nil {
		// Legacy form: a bare process id.
		return Info{PID: pid}, nil
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parse pid file: %w", err)
	}
	return info, nil
}

// Remove deletes the pid file. Missing files are not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}
