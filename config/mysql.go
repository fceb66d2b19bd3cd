package config

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

type MySQLConfig struct {
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Endpoint string `yaml:"-"`
}

func makeMySQLEndpoint(conf *MySQLConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?", conf.User, conf.Password, conf.Host, conf.Database)
}

func createMySQLClient(conf *MySQLConfig) (*sql.DB, error) {
	params := make(map[string]string)
	params["parseTime"] = "true"
	endpoint := makeMySQLEndpoint(conf)
	for k, v := range params {
		dsn := fmt.Sprintf("%s=%s&", k, v)
		endpoint += dsn
	}
	conf.Endpoint = endpoint
	db, err := sql.Open("mysql", endpoint)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Second)
	return db, nil
}

// OpenMySQL opens a MySQL handle from a full DSN. Used by tests that point
// at a scratch database.
func OpenMySQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Second)
	return db, nil
}
