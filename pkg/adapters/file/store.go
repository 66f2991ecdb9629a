package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/persistence/codec"
)

const backupStampLayout = "20060102T150405.000000000Z"

// Store implements ports.SessionStore using the local filesystem.
// It stores sessions as JSON files under <dir>/sessions and keeps a copy of
// every deleted or backed-up record under <dir>/backups.
type Store struct {
	BasePath   string
	BackupPath string

	// mu makes DeleteIfUnchanged atomic within the process. Across processes
	// the engine's distributed locker provides the exclusion.
	mu  sync.Mutex
	now func() time.Time
}

// New creates a new Store rooted at dir.
// If dir is empty, it defaults to ".waymark".
func New(dir string) *Store {
	if dir == "" {
		dir = ".waymark"
	}
	return &Store{
		BasePath:   filepath.Join(dir, "sessions"),
		BackupPath: filepath.Join(dir, "backups"),
		now:        time.Now,
	}
}

func (s *Store) path(sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("sessionID cannot be empty")
	}
	if strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return "", fmt.Errorf("sessionID %q is not a valid file name", sessionID)
	}
	return filepath.Join(s.BasePath, sessionID+".json"), nil
}

// Save persists the session to a JSON file atomically.
// It writes to a temporary file first, syncs via fsync, and then renames it to the destination.
func (s *Store) Save(ctx context.Context, session *domain.Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	destPath, err := s.path(session.ID)
	if err != nil {
		return err
	}

	data, err := codec.MarshalIndent(session)
	if err != nil {
		return err
	}
	return writeAtomic(s.BasePath, destPath, "tmp-"+session.ID+"-*.json", data)
}

func writeAtomic(dir, destPath, pattern string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to ensure directory: %w", err)
	}

	// Same directory keeps the rename on one filesystem.
	tmpFile, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	// Windows cannot rename an open file.
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// os.Rename does not replace an existing file on Windows.
	if _, err := os.Stat(destPath); err == nil {
		if err := os.Remove(destPath); err != nil {
			return fmt.Errorf("failed to remove existing file for overwrite: %w", err)
		}
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load retrieves the session from its JSON file.
func (s *Store) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	filePath, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return codec.Unmarshal(data)
}

// Delete copies the session file into the backup directory and removes it.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(sessionID)
}

func (s *Store) deleteLocked(sessionID string) error {
	filePath, err := s.path(sessionID)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read session file: %w", err)
	}

	name := fmt.Sprintf("%s_%s.json", sessionID, s.now().UTC().Format(backupStampLayout))
	if err := writeAtomic(s.BackupPath, filepath.Join(s.BackupPath, name), "tmp-*.json", data); err != nil {
		return fmt.Errorf("failed to back up session before delete: %w", err)
	}

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// DeleteIfUnchanged removes the session only if its stored UpdatedAt equals updatedAt.
func (s *Store) DeleteIfUnchanged(ctx context.Context, sessionID string, updatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Load(ctx, sessionID)
	if err == domain.ErrSessionNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !current.UpdatedAt.Equal(updatedAt) {
		return false, nil
	}
	if err := s.deleteLocked(sessionID); err != nil {
		return false, err
	}
	return true, nil
}

// List returns all stored session IDs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, "tmp-") {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(name, ".json"))
	}
	return sessions, nil
}

// Backup copies every session file into a new timestamped directory and
// returns its path.
func (s *Store) Backup(ctx context.Context) (string, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.BackupPath, "all_sessions_"+s.now().UTC().Format(backupStampLayout))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := os.ReadFile(filepath.Join(s.BasePath, id+".json"))
		if err != nil {
			if os.IsNotExist(err) {
				continue // deleted since List
			}
			return "", fmt.Errorf("failed to read session %q for backup: %w", id, err)
		}
		if err := writeAtomic(dir, filepath.Join(dir, id+".json"), "tmp-*.json", data); err != nil {
			return "", fmt.Errorf("failed to back up session %q: %w", id, err)
		}
	}
	return dir, nil
}
