package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Open returns the database selected by backend. Persistent backends create
// the parent directory of path when it is missing.
func Open(backend, path string) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemDB(), nil
	case BackendLevelDB:
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		return NewLevelDB(path)
	case BackendBolt:
		if err := ensureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
		return NewBoltDB(path, nil)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

func ensureDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("storage: path required")
	}
	return os.MkdirAll(dir, 0o755)
}
