package database

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/chararch/cloudbatch/config"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "github.com/snowflakedb/gosnowflake"
)

// Connector opens a connection pool for one database type
type Connector interface {
	Connect(cfg config.DatabaseConfig) (*sql.DB, error)
}

type driverConnector struct {
	driver string
}

func (c *driverConnector) Connect(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(c.driver, cfg.DSN())
	if err != nil {
		return nil, errors.Wrapf(err, "open %s connection", c.driver)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

var (
	mu         sync.RWMutex
	connectors = map[string]Connector{
		"mysql":     &driverConnector{driver: "mysql"},
		"postgres":  &driverConnector{driver: "postgres"},
		"snowflake": &driverConnector{driver: "snowflake"},
	}
)

// RegisterConnector registers or replaces the connector of dbType
func RegisterConnector(dbType string, connector Connector) {
	mu.Lock()
	defer mu.Unlock()
	connectors[strings.ToLower(dbType)] = connector
}

// Open connects to the configured database and pings it
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	mu.RLock()
	connector, ok := connectors[strings.ToLower(cfg.Type)]
	mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unsupported database type: %s", cfg.Type)
	}
	db, err := connector.Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s database", cfg.Type)
	}
	return db, nil
}
