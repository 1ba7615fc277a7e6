// Package ledger persists tunnel records to a line-oriented, pipe-delimited
// file. The ledger is descriptive metadata only — liveness authority stays
// with the OS process table — so read errors are recovered locally (absent
// file reads as empty, malformed lines are skipped with a warning) rather
// than surfaced as hard failures.
package ledger

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rackops/idrac-tunnel/internal/appconfig"
	"github.com/rackops/idrac-tunnel/internal/model"
)

// fieldCount is the fixed number of pipe-delimited fields per record:
// localPort|targetHost|targetPort|pid|createdAt|jumpHostSpec
const fieldCount = 6

// Store provides append/lookup/remove/compact access to one ledger file.
type Store struct {
	path string
}

// NewStore creates a store over an explicit file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// OpenDefault creates a store over the per-user ledger location.
func OpenDefault() (*Store, error) {
	path, err := appconfig.LedgerFilePath()
	if err != nil {
		return nil, err
	}
	return NewStore(path), nil
}

// Append writes one record as a single line. Historical records for the same
// port may coexist; Lookup resolves to the most recent.
func (s *Store) Append(rec model.TunnelRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(encode(rec) + "\n"); err != nil {
		return err
	}
	return nil
}

// All returns every parseable record in append order.
func (s *Store) All() ([]model.TunnelRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []model.TunnelRecord
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := decode(line)
		if err != nil {
			slog.Warn("skipping malformed ledger line", "file", s.path, "line", lineNo, "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return out, nil
}

// Lookup returns the most recently appended record for port.
func (s *Store) Lookup(port int) (model.TunnelRecord, bool, error) {
	recs, err := s.All()
	if err != nil {
		return model.TunnelRecord{}, false, err
	}
	found := false
	var latest model.TunnelRecord
	for _, rec := range recs {
		if rec.LocalPort == port {
			latest = rec
			found = true
		}
	}
	return latest, found, nil
}

// Remove deletes all records for port.
func (s *Store) Remove(port int) error {
	_, err := s.Compact(func(rec model.TunnelRecord) bool {
		return rec.LocalPort != port
	})
	return err
}

// Compact rewrites the ledger keeping only records satisfying keep, and
// returns how many records were dropped. The rewrite goes through a temp
// file in the same directory followed by a rename, so concurrent readers
// never observe a partially-written ledger.
func (s *Store) Compact(keep func(model.TunnelRecord) bool) (int, error) {
	recs, err := s.All()
	if err != nil {
		return 0, err
	}

	var b strings.Builder
	removed := 0
	for _, rec := range recs {
		if !keep(rec) {
			removed++
			continue
		}
		b.WriteString(encode(rec))
		b.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".ledger-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return removed, nil
}

func encode(rec model.TunnelRecord) string {
	return fmt.Sprintf("%d|%s|%d|%d|%s|%s",
		rec.LocalPort,
		rec.TargetHost,
		rec.TargetPort,
		rec.PID,
		rec.CreatedAt.Format(time.RFC3339),
		rec.JumpHostSpec,
	)
}

func decode(line string) (model.TunnelRecord, error) {
	parts := strings.Split(line, "|")
	if len(parts) != fieldCount {
		return model.TunnelRecord{}, fmt.Errorf("expected %d fields, got %d", fieldCount, len(parts))
	}
	localPort, err := strconv.Atoi(parts[0])
	if err != nil {
		return model.TunnelRecord{}, fmt.Errorf("local port: %w", err)
	}
	targetPort, err := strconv.Atoi(parts[2])
	if err != nil {
		return model.TunnelRecord{}, fmt.Errorf("target port: %w", err)
	}
	pid, err := strconv.Atoi(parts[3])
	if err != nil {
		return model.TunnelRecord{}, fmt.Errorf("pid: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339, parts[4])
	if err != nil {
		return model.TunnelRecord{}, fmt.Errorf("created at: %w", err)
	}
	return model.TunnelRecord{
		LocalPort:    localPort,
		TargetHost:   parts[1],
		TargetPort:   targetPort,
		PID:          pid,
		CreatedAt:    createdAt,
		JumpHostSpec: parts[5],
	}, nil
}
