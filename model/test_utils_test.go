package model

import (
	"database/sql"
	"os"
	"testing"

	"github.com/daveTechLed/sqlstress/config"
)

const testMySQLEnv = "SQLSTRESS_TEST_MYSQL"

// testDB returns a scratch MySQL handle with the tables emptied, or skips the
// test when no DSN is configured.
func testDB(t *testing.T) *sql.DB {
	dsn := os.Getenv(testMySQLEnv)
	if dsn == "" {
		t.Skipf("%s is not set", testMySQLEnv)
	}
	db, err := config.OpenMySQL(dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := setupAndTeardown(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		setupAndTeardown(db)
		db.Close()
	})
	return db
}

func setupAndTeardown(db *sql.DB) error {
	for _, table := range []string{"connection_profile", "run_history"} {
		q, err := db.Prepare("delete from " + table)
		if err != nil {
			return err
		}
		_, err = q.Exec()
		q.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
