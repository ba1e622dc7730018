package testutil

import (
	"testing"

	"quill/internal/database"
	"quill/internal/quill"
)

// NewTestLedger creates a new in-memory SQLite ledger with schema applied.
// The ledger is automatically closed when the test completes.
func NewTestLedger(t *testing.T) *database.SQLiteLedger {
	t.Helper()
	return NewTestLedgerWith(t, nil, nil)
}

// NewTestLedgerWith is NewTestLedger with an injected clock and id
// generator. Either may be nil to use the real implementation.
func NewTestLedgerWith(t *testing.T, clock quill.Clock, idgen quill.IDGenerator) *database.SQLiteLedger {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if _, err := sqlDB.Exec(database.Schema); err != nil {
		sqlDB.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	ledger := database.NewSQLiteLedgerFromDB(sqlDB, clock, idgen)

	t.Cleanup(func() {
		ledger.Close()
	})

	return ledger
}
