// Package sqlplugin implements the SQL-backed authentication plugin:
// existence of a row in a configured table grants admission. Connection
// pooling follows the shape of the original internal/store/postgres.go
// (Config, ConfigFromEnv, pool tuning, a ping before first use), swapped
// from lib/pq/Postgres to github.com/go-sql-driver/mysql since the
// configured connection string names a MySQL database explicitly.
package sqlplugin

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/ctrlgate/ctrlgate/internal/auth"
	"github.com/ctrlgate/ctrlgate/internal/logging"
)

// Name is the AUTHENTICATION_PLUGIN value that selects this backend.
const Name = "sql"

func init() {
	auth.Register(Name, New)
}

// validIdentifier guards the table name against SQL injection since it is
// interpolated into the query text (MySQL does not support parameter
// placeholders for identifiers).
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds MySQL connection and pool settings.
type Config struct {
	ConnectionURL   string // e.g. "user:pass@tcp(127.0.0.1:3306)/dbname"
	Table           string // table with a device_key column
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func defaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// ConfigFromEnv builds a Config from MYSQL_CONNECTION_URL / MYSQL_TABLE.
func ConfigFromEnv() (Config, error) {
	cfg := defaultConfig()

	url := strings.TrimSpace(os.Getenv("MYSQL_CONNECTION_URL"))
	if url == "" {
		return Config{}, fmt.Errorf("sqlplugin: MYSQL_CONNECTION_URL is required")
	}
	cfg.ConnectionURL = url

	table := strings.TrimSpace(os.Getenv("MYSQL_TABLE"))
	if table == "" {
		return Config{}, fmt.Errorf("sqlplugin: MYSQL_TABLE is required")
	}
	if !validIdentifier.MatchString(table) {
		return Config{}, fmt.Errorf("sqlplugin: MYSQL_TABLE %q is not a valid identifier", table)
	}
	cfg.Table = table

	return cfg, nil
}

type plugin struct {
	db     *sql.DB
	table  string
	query  string
	logger logging.Logger
}

// New constructs the SQL-backed plugin. The pool is opened lazily in Init,
// matching the "initialize once at startup, fatal on failure" contract.
func New() (auth.Plugin, error) {
	return &plugin{}, nil
}

func (p *plugin) Init(ctx context.Context, logger logging.Logger) error {
	p.logger = logger.With(logging.Fields{"component": "auth_sql"})

	cfg, err := ConfigFromEnv()
	if err != nil {
		return err
	}

	db, err := sql.Open("mysql", cfg.ConnectionURL)
	if err != nil {
		return fmt.Errorf("sqlplugin: open mysql: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("sqlplugin: ping mysql: %w", err)
	}

	p.db = db
	p.table = cfg.Table
	p.query = fmt.Sprintf("SELECT 1 FROM %s WHERE device_key = ? LIMIT 1", cfg.Table)

	p.logger.Info("sql auth plugin connected", logging.Fields{
		"table": cfg.Table,
	})
	return nil
}

func (p *plugin) ValidateKey(ctx context.Context, deviceKey string) (bool, error) {
	if deviceKey == "" {
		return false, nil
	}
	if p.db == nil {
		return false, fmt.Errorf("sqlplugin: not initialized")
	}

	var exists int
	err := p.db.QueryRowContext(ctx, p.query, deviceKey).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("sqlplugin: query device key: %w", err)
	default:
		return true, nil
	}
}
