package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", cfg.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ApplySQLiteOptimizations(db))
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "./data/chatrelay.db", config.DatabasePath)
	assert.Equal(t, 10, config.MaxConnections)
	assert.Equal(t, time.Hour, config.ConnMaxLifetime)
	assert.Equal(t, 10*time.Minute, config.ConnMaxIdleTime)
	assert.NoError(t, config.Validate())
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database path", func(c *Config) { c.DatabasePath = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMigrationManager_ApplyEmbedded(t *testing.T) {
	db := openTestDB(t)
	mgr := NewMigrationManager(db, Migrations())

	require.NoError(t, mgr.ApplyMigrations())
	// second run is a no-op
	require.NoError(t, mgr.ApplyMigrations())

	versions, err := mgr.AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, versions)

	require.NoError(t, NewSchemaValidator(db).Validate())
}

func TestMigrationManager_OrderAndRollback(t *testing.T) {
	db := openTestDB(t)
	source := fstest.MapFS{
		"002_second.sql": {Data: []byte("ALTER TABLE things ADD COLUMN label TEXT;")},
		"001_first.sql":  {Data: []byte("CREATE TABLE things (id INTEGER PRIMARY KEY);")},
		"003_broken.sql": {Data: []byte("CREATE TABLE nope (;")},
		"README.md":      {Data: []byte("ignored")},
	}

	err := NewMigrationManager(db, source).ApplyMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "003")

	versions, err := NewMigrationManager(db, source).AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, versions)

	_, err = db.Exec("INSERT INTO things (id, label) VALUES (1, 'x')")
	assert.NoError(t, err)
}

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	validator := NewSchemaValidator(db)

	assert.Error(t, validator.ValidateTablesExist())
	assert.Error(t, validator.Validate())
}

func TestSchema_Constraints(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db, Migrations()).ApplyMigrations())

	_, err := db.Exec(`INSERT INTO messages (id, session_id, sender_id, sender_role, content, timestamp)
		VALUES ('m1', 'missing', 'u1', 'USER', 'x', CURRENT_TIMESTAMP)`)
	assert.Error(t, err, "foreign key on messages.session_id must be enforced")

	_, err = db.Exec(`INSERT INTO sessions (id, created_by) VALUES ('s1', 'u1')`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO messages (id, session_id, sender_id, sender_role, content, timestamp)
		VALUES ('m1', 's1', 'u1', 'ADMIN', 'x', CURRENT_TIMESTAMP)`)
	assert.Error(t, err, "sender_role check must be enforced")

	_, err = db.Exec(`UPDATE sessions SET rating = 6 WHERE id = 's1'`)
	assert.Error(t, err, "rating range check must be enforced")

	_, err = db.Exec(`UPDATE sessions SET status = 'PAUSED' WHERE id = 's1'`)
	assert.Error(t, err, "status check must be enforced")
}
