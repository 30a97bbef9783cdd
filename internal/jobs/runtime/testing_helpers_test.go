package runtime

import (
	"fmt"
	"strings"
	"testing"

	"ipguard/internal/database"
)

func setupTestDB(t *testing.T) {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenSQLite(fmt.Sprintf("file:runtime_%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if _, err := database.SetupDB(database.WithExistingDB(db), database.WithMigrations(database.Models()...)); err != nil {
		t.Fatalf("setup database: %v", err)
	}
	t.Cleanup(func() {
		database.DB = nil
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
}
