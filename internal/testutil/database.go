package testutil

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	postgresdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/charhubai/charhub/internal/database"
)

// NewTestDB opens the postgres database named by TEST_DATABASE_URL and
// migrates the schema into a throwaway search path. Tests that need a real
// store are skipped when the variable is unset.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database-backed test")
	}

	db, err := gorm.Open(postgresdriver.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err, "failed to connect to test database")

	schema := fmt.Sprintf("test_%s", uuid.New().String()[:8])
	require.NoError(t, db.Exec(fmt.Sprintf("CREATE SCHEMA %s", schema)).Error)
	require.NoError(t, db.Exec(fmt.Sprintf("SET search_path TO %s", schema)).Error)

	require.NoError(t, database.Migrate(db), "failed to migrate test database")

	t.Cleanup(func() {
		db.Exec(fmt.Sprintf("DROP SCHEMA %s CASCADE", schema))
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}
