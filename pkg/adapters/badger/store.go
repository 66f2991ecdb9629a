// Package badger provides an embedded BadgerDB implementation of
// ports.SessionStore for single node deployments that want durability
// without an external server.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/persistence/codec"
	"github.com/aretw0/waymark/pkg/ports"
)

var (
	_ ports.SessionStore       = (*Store)(nil)
	_ ports.ConditionalDeleter = (*Store)(nil)
)

const keyPrefix = "session/"

// Config configures the embedded database.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Intended for tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// BackupDir receives Backup files. Defaults to Path/../backups, or the
	// system temp dir for in-memory databases.
	BackupDir string

	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the production defaults for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for an ephemeral database.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB backed session store.
type Store struct {
	db        *badger.DB
	backupDir string
	logger    *slog.Logger
	now       func() time.Time

	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	backupDir := cfg.BackupDir
	if backupDir == "" {
		if cfg.InMemory {
			backupDir = filepath.Join(os.TempDir(), "waymark-backups")
		} else {
			backupDir = filepath.Join(filepath.Dir(filepath.Clean(cfg.Path)), "backups")
		}
	}

	s := &Store{
		db:        db,
		backupDir: backupDir,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				if s.logger != nil {
					s.logger.Warn("badger value log GC error", "err", err)
				}
			}
		}
	}
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

func key(sessionID string) []byte {
	return []byte(keyPrefix + sessionID)
}

// Save stores or replaces a session.
func (s *Store) Save(ctx context.Context, session *domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := codec.Marshal(session)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(session.ID), data)
	}); err != nil {
		return fmt.Errorf("badger save session %q: %w", session.ID, err)
	}
	return nil
}

// Load retrieves a session by id.
func (s *Store) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var session *domain.Session
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		session, err = get(txn, sessionID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("badger load session %q: %w", sessionID, err)
	}
	return session, nil
}

func get(txn *badger.Txn, sessionID string) (*domain.Session, error) {
	item, err := txn.Get(key(sessionID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	var session *domain.Session
	err = item.Value(func(val []byte) error {
		var err error
		session, err = codec.Unmarshal(val)
		return err
	})
	return session, err
}

// Delete removes a session. Missing sessions are ignored.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(sessionID))
	}); err != nil {
		return fmt.Errorf("badger delete session %q: %w", sessionID, err)
	}
	return nil
}

// DeleteIfUnchanged removes the session only if its stored UpdatedAt matches.
// A write that commits between the read and the delete makes the transaction
// conflict, which is reported as not removed.
func (s *Store) DeleteIfUnchanged(ctx context.Context, sessionID string, updatedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := get(txn, sessionID)
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				return nil
			}
			return err
		}
		if !current.UpdatedAt.Equal(updatedAt) {
			return nil
		}
		if err := txn.Delete(key(sessionID)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger conditional delete %q: %w", sessionID, err)
	}
	return removed, nil
}

// List returns all session ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids = append(ids, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list sessions: %w", err)
	}
	return ids, nil
}

// Backup streams a full database backup to BackupDir and returns the file path.
func (s *Store) Backup(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.backupDir, 0750); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	path := filepath.Join(s.backupDir, fmt.Sprintf("sessions_%s.badger", s.now().UTC().Format("20060102T150405.000000000")))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	if _, err := s.db.Backup(f, 0); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("badger backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("sync backup file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close backup file: %w", err)
	}
	return path, nil
}
