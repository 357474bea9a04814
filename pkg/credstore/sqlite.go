package credstore

import (
	"archive/tar"
	"bytes"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore keeps credential material as opaque blobs in a SQLite
// database, the remote-document-store variant of the adapter. Each session's
// blob is a gzipped tar of its working directory; Materialize restores it
// into a scratch directory for the engine, Persist captures it back.
type SQLiteStore struct {
	db      *sql.DB
	scratch string
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn, scratchDir string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("credstore: empty sqlite dsn")
	}
	if strings.TrimSpace(scratchDir) == "" {
		return nil, errors.New("credstore: empty scratch dir")
	}
	abs, err := filepath.Abs(scratchDir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve scratch dir")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create scratch dir")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open credential db")
	}
	s := &SQLiteStore{db: db, scratch: abs}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			session_id TEXT PRIMARY KEY,
			blob       BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	return errors.Wrap(err, "migrate credential db")
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM credentials WHERE session_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "query credential row")
	}
	return true, nil
}

func (s *SQLiteStore) StrategyFor(sessionID string) Strategy {
	return &sqliteStrategy{store: s, sessionID: sessionID}
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE session_id = ?`, sessionID); err != nil {
		return errors.Wrap(err, "delete credential row")
	}
	// Scratch dirs live under our own root, same traversal guard as the
	// local store.
	local := &LocalStore{root: s.scratch}
	return local.Delete(ctx, sessionID)
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM credentials ORDER BY session_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list credential rows")
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan credential row")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate credential rows")
}

type sqliteStrategy struct {
	store     *SQLiteStore
	sessionID string
}

func (st *sqliteStrategy) SessionID() string { return st.sessionID }

func (st *sqliteStrategy) workDir() string {
	return filepath.Join(st.store.scratch, FolderName(st.sessionID))
}

func (st *sqliteStrategy) Materialize(ctx context.Context) (string, error) {
	dir := st.workDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create scratch folder")
	}
	var blob []byte
	err := st.store.db.QueryRowContext(ctx,
		`SELECT blob FROM credentials WHERE session_id = ?`, st.sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return dir, nil
	}
	if err != nil {
		return "", errors.Wrap(err, "load credential blob")
	}
	if err := untarInto(dir, blob); err != nil {
		return "", err
	}
	return dir, nil
}

func (st *sqliteStrategy) Persist(ctx context.Context) error {
	blob, err := tarDir(st.workDir())
	if err != nil {
		return err
	}
	_, err = st.store.db.ExecContext(ctx, `
		INSERT INTO credentials (session_id, blob, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			blob = excluded.blob,
			updated_at = excluded.updated_at
	`, st.sessionID, blob, time.Now().UnixMilli())
	return errors.Wrap(err, "save credential blob")
}

func tarDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "archive credential folder")
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "close tar writer")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "close gzip writer")
	}
	return buf.Bytes(), nil
}

func untarInto(dir string, blob []byte) error {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return errors.Wrap(err, "open credential blob")
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read credential blob entry")
		}
		name := filepath.FromSlash(hdr.Name)
		target := filepath.Join(dir, name)
		if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
			return ErrPathTraversal
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrap(err, "create blob entry dir")
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return errors.Wrap(err, "create blob entry file")
		}
		// #nosec G110 -- blobs are written by this process, not attacker input.
		if _, err := io.Copy(f, tr); err != nil {
			_ = f.Close()
			return errors.Wrap(err, "extract blob entry")
		}
		if err := f.Close(); err != nil {
			return errors.Wrap(err, "close blob entry")
		}
	}
	return nil
}
