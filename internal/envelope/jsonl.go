package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

// JSONLSink appends audit entries to a newline-delimited JSON file.
type JSONLSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *JSONLSink) Write(entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// LoadJSONL reads entries back in append order. Records with mismatched field types are skipped.
func LoadJSONL(path string) ([]models.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()
	return ReadJSONL(f)
}

func ReadJSONL(r io.Reader) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	dec := json.NewDecoder(r)
	for dec.More() {
		var e models.AuditEntry
		if err := dec.Decode(&e); err != nil {
			var syn *json.SyntaxError
			if errors.As(err, &syn) {
				return entries, fmt.Errorf("corrupt audit log at offset %d: %w", syn.Offset, err)
			}
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// WriteJSONL exports a snapshot.
func WriteJSONL(w io.Writer, entries []models.AuditEntry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
