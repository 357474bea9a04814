package credstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/pkg/errors"
)

// ErrPathTraversal is returned when a computed credential folder path would
// escape the configured sessions root.
var ErrPathTraversal = errors.New("credstore: directory traversal detected")

// LocalStore keeps one credential folder per session under a root directory.
type LocalStore struct {
	root string
}

var _ Store = &LocalStore{}

// NewLocalStore creates the sessions root if needed and returns a store
// rooted there.
func NewLocalStore(root string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("credstore: sessions root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve sessions root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create sessions root")
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) Exists(_ context.Context, sessionID string) (bool, error) {
	p, err := s.folderPath(sessionID)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "stat session folder")
	}
	return info.IsDir(), nil
}

func (s *LocalStore) StrategyFor(sessionID string) Strategy {
	return &localStrategy{store: s, sessionID: sessionID}
}

// Delete removes the session's credential folder. The folder name is checked
// lexically and, when the entry is a symlink, its resolved target must be a
// strict descendant of the sessions root; a crafted session id or a planted
// link can therefore never reach outside the root.
func (s *LocalStore) Delete(_ context.Context, sessionID string) error {
	name := FolderName(sessionID)
	if name != filepath.Base(name) {
		return ErrPathTraversal
	}
	target := filepath.Join(s.root, name)
	info, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "stat session folder")
	}
	if info.Mode()&os.ModeSymlink != 0 {
		resolvedRoot, err := filepath.EvalSymlinks(s.root)
		if err != nil {
			return errors.Wrap(err, "resolve sessions root")
		}
		resolvedTarget, err := filepath.EvalSymlinks(target)
		if err != nil {
			if os.IsNotExist(err) {
				return ErrPathTraversal
			}
			return errors.Wrap(err, "resolve session folder")
		}
		if !strings.HasPrefix(resolvedTarget, resolvedRoot+string(filepath.Separator)) {
			return ErrPathTraversal
		}
	}
	return errors.Wrap(os.RemoveAll(target), "remove session folder")
}

func (s *LocalStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "read sessions root")
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id := SessionIDFromFolder(e.Name()); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// folderPath joins root and folder name without letting the id escape the
// root, then double-checks the lexical prefix.
func (s *LocalStore) folderPath(sessionID string) (string, error) {
	joined, err := securejoin.SecureJoin(s.root, FolderName(sessionID))
	if err != nil {
		return "", errors.Wrap(err, "join session folder path")
	}
	if !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

type localStrategy struct {
	store     *LocalStore
	sessionID string
}

func (st *localStrategy) SessionID() string { return st.sessionID }

func (st *localStrategy) Materialize(_ context.Context) (string, error) {
	p, err := st.store.folderPath(st.sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", errors.Wrap(err, "create session folder")
	}
	return p, nil
}

// Persist is a no-op: local credential material already lives in its final
// location.
func (st *localStrategy) Persist(_ context.Context) error { return nil }
