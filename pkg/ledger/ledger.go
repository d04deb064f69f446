// Package ledger maintains the append-only progress log. Every iteration
// appends a timestamped block; prompt construction reads only a bounded tail
// so prompt size stays flat while the ledger grows for the life of a project.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NoneYet is the sentinel returned by Tail before anything has been logged.
const NoneYet = "(none yet)"

// Ledger appends timestamped blocks to a single text file.
type Ledger struct {
	path string
	mu   sync.Mutex
}

func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

func (l *Ledger) Path() string {
	return l.path
}

// Append writes a `[timestamp] label` header followed by the body and a
// blank line. The write is synced before returning so a crashed iteration
// never loses its transcript.
func (l *Ledger) Append(label, body string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	timestamp := time.Now().UTC().Format(time.RFC3339)
	block := fmt.Sprintf("[%s] %s\n", timestamp, label)
	if body = strings.TrimRight(body, "\n"); body != "" {
		block += body + "\n"
	}

	if _, err := file.WriteString(block); err != nil {
		return fmt.Errorf("failed to write ledger block: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	return nil
}

// Tail returns at most the last maxLines lines of the ledger, or NoneYet
// when the file does not exist.
func (l *Ledger) Tail(maxLines int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NoneYet, nil
		}
		return "", fmt.Errorf("failed to read ledger: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n"), nil
}
