package conn

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
	defaultMaxOpenConns    = 8
)

// Option defines connection options. Postgres fields are ignored by the
// sqlite driver, which only needs Path.
type Option struct {
	Driver       string            `mapstructure:"driver"`
	Host         string            `mapstructure:"host"`
	Port         int               `mapstructure:"port"`
	User         string            `mapstructure:"user"`
	Password     string            `mapstructure:"password"`
	Database     string            `mapstructure:"database"`
	SSLMode      string            `mapstructure:"ssl_mode"`
	Params       map[string]string `mapstructure:"params"`
	ConnString   string            `mapstructure:"conn_string"`
	Path         string            `mapstructure:"path"`
	MaxOpenConns int               `mapstructure:"max_open_conns"`
	ConnMaxLife  time.Duration     `mapstructure:"conn_max_life"`
	Config       *gorm.Config      `mapstructure:"-"`
}

// Enabled reports whether a database is configured at all.
func (opt Option) Enabled() bool {
	return opt.Driver != ""
}

// Validate checks the option is usable for its driver.
func (opt Option) Validate() error {
	switch strings.ToLower(opt.Driver) {
	case "":
		return nil
	case DriverPostgres:
		if opt.ConnString == "" && opt.Database == "" {
			return fmt.Errorf("invalid database config: postgres requires database or conn_string")
		}
	case DriverSQLite:
		if opt.Path == "" {
			return fmt.Errorf("invalid database config: sqlite requires path")
		}
	default:
		return fmt.Errorf("invalid database config: unknown driver %q", opt.Driver)
	}
	if opt.MaxOpenConns < 0 {
		return fmt.Errorf("invalid database config: max_open_conns must be >= 0")
	}
	return nil
}

// Client wraps a gorm connection pool.
type Client struct {
	opt Option
	db  *gorm.DB
}

// New opens a connection for the configured driver.
func New(option Option) (*Client, error) {
	if err := option.Validate(); err != nil {
		return nil, err
	}

	config := option.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}

	var dialector gorm.Dialector
	maxOpen := option.MaxOpenConns
	switch strings.ToLower(option.Driver) {
	case DriverPostgres:
		connString, err := option.dsn()
		if err != nil {
			return nil, err
		}
		dialector = postgres.Open(connString)
		if maxOpen == 0 {
			maxOpen = defaultMaxOpenConns
		}
	case DriverSQLite:
		if option.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(option.Path), 0o755); err != nil {
				return nil, errors.Wrapf(err, "create sqlite dir for %s", option.Path)
			}
		}
		dialector = sqlite.Open(fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", option.Path))
		// sqlite serializes writers; one connection avoids lock errors.
		maxOpen = 1
	default:
		return nil, fmt.Errorf("unsupported driver %q", option.Driver)
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", option.Driver)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	if option.ConnMaxLife > 0 {
		sqlDB.SetConnMaxLifetime(option.ConnMaxLife)
	}

	return &Client{opt: option, db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}

	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}

	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}

	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}
