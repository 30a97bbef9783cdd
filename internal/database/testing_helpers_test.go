package database

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)

	db, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}

	if _, err := SetupDB(WithExistingDB(db), WithMigrations(Models()...)); err != nil {
		t.Fatalf("setup database: %v", err)
	}

	t.Cleanup(func() {
		DB = nil
		_ = sqlDB.Close()
	})

	return db
}
