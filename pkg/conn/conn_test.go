package conn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDSN(t *testing.T) {
	dsn, err := Option{
		Driver:   DriverPostgres,
		Host:     "db",
		User:     "trader",
		Password: "p@ss",
		Database: "events",
		Params:   map[string]string{"application_name": "tradecore"},
	}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://trader:p%40ss@db:5432/events?application_name=tradecore&sslmode=disable", dsn)

	dsn, err = Option{ConnString: "postgres://x"}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", dsn)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Option{}.Validate())
	assert.False(t, Option{}.Enabled())
	assert.Error(t, Option{Driver: "mysql"}.Validate())
	assert.Error(t, Option{Driver: DriverSQLite}.Validate())
	assert.Error(t, Option{Driver: DriverPostgres}.Validate())
	assert.NoError(t, Option{Driver: DriverPostgres, Database: "events"}.Validate())
}

func TestOpenSQLite(t *testing.T) {
	c, err := New(Option{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "db", "events.db")})
	require.NoError(t, err)
	require.NotNil(t, c.DB())
	require.NoError(t, c.DB().Exec("SELECT 1").Error)
	require.NoError(t, c.Close())

	var nilClient *Client
	assert.Nil(t, nilClient.DB())
	assert.NoError(t, nilClient.Close())
}
