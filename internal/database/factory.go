package database

import (
	"fmt"
	"path/filepath"

	"quill/internal/config"
)

// NewLedgerFromConfig creates a ledger based on the database config type.
func NewLedgerFromConfig(cfg config.DatabaseConfig) (*SQLiteLedger, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		return NewSQLiteLedger(filepath.Join(cfg.DataDir, "quill.db"), nil, nil)
	case "memory":
		ledger, err := NewSQLiteLedger(":memory:", nil, nil)
		if err != nil {
			return nil, err
		}
		if err := ledger.MigrateUp(); err != nil {
			ledger.Close()
			return nil, fmt.Errorf("preparing in-memory schema: %w", err)
		}
		return ledger, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
