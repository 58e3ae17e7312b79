package storage

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"

	logx "briefbot/pkg/logx"
)

// Open returns the backend named by cfg.Driver.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		fs, err := openFileStore(afero.NewOsFs(), cfg.Path, log)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	}
	return nil, fmt.Errorf("storage: unsupported driver %q", driver)
}
