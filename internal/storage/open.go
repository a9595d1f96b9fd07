package storage

import (
	"errors"
	"strings"

	logx "tgrelay/pkg/logx"
)

// Open initializes the configured store.
// An empty driver selects the file store under DefaultPath, so seen-sets
// survive between processes. Memory must be asked for explicitly.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DefaultDriver
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "file":
		if strings.TrimSpace(cfg.Path) == "" {
			cfg.Path = DefaultPath
		}
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
