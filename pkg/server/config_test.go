package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/snowflake"
)

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), config)
	assert.Equal(t, BackendSQLite, config.Server.DatabaseBackend)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")

	// The written file parses back to the same values
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config, again)
}

func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
http_addr = ":9000"
seed_rooms = ["lobby", "offtopic"]

[limits]
max_message_length = 10
`), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", config.Server.HTTPAddr)
	assert.Equal(t, 10, config.Limits.MaxMessageLength)
	assert.Equal(t, 32, config.Limits.MaxNameLength, "missing keys keep defaults")

	sc := config.ToServerConfig()
	assert.Equal(t, "lobby", sc.DefaultRoom)
	assert.Equal(t, 10, sc.MaxMessageLength)
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GOLEM_SERVER_HTTP_ADDR", ":7000")
	t.Setenv("GOLEM_SERVER_SEED_ROOMS", " a , b ")
	t.Setenv("GOLEM_SNOWFLAKE_NODE_ID", "9")
	t.Setenv("GOLEM_LIMITS_MAX_LOAD_AMOUNT", "5")
	t.Setenv("GOLEM_LIMITS_MAX_TREE_DEPTH", "not-a-number")
	t.Setenv("GOLEM_POLICY_ALLOW_ANONYMOUS_POSTS", "true")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)

	assert.Equal(t, ":7000", config.Server.HTTPAddr)
	assert.Equal(t, []string{"a", "b"}, config.Server.SeedRooms)
	assert.Equal(t, int64(9), config.Snowflake.NodeID)
	assert.Equal(t, 5, config.Limits.MaxLoadAmount)
	assert.Equal(t, 16, config.Limits.MaxTreeDepth, "unparsable values are ignored")
	assert.True(t, config.Policy.AllowAnonymousPosts)
}

func TestToServerConfig(t *testing.T) {
	config := DefaultTOMLConfig()
	config.Server.MetricsAddr = " "
	config.Limits.DefaultTreeDepth = 50
	config.Limits.MaxTreeDepth = 4
	config.Limits.PingIntervalSeconds = 90
	config.Limits.PongWaitSeconds = 10

	sc := config.ToServerConfig()
	assert.Empty(t, sc.MetricsAddr)
	assert.Equal(t, 4, sc.MaxTreeDepth)
	assert.Equal(t, 4, sc.DefaultTreeDepth, "default depth is capped")
	assert.Equal(t, 10*time.Second, sc.PongWait)
	assert.Equal(t, 9*time.Second, sc.PingInterval, "pings fit inside the pong wait")
	assert.Equal(t, "general", sc.DefaultRoom)
}

func TestNewGenerator(t *testing.T) {
	config := DefaultTOMLConfig()
	config.Snowflake.NodeID = 3

	gen, err := config.NewGenerator()
	require.NoError(t, err)
	assert.Equal(t, snowflake.DefaultEpoch.Unix(), gen.Epoch().Unix())

	id, err := gen.NextID()
	require.NoError(t, err)
	assert.Equal(t, int64(3), id.Node())

	config.Snowflake.NodeID = 256
	_, err = config.NewGenerator()
	assert.Error(t, err)
}

func TestOpenStoreBackends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		backend string
		path    string
		wantErr bool
		check   func(t *testing.T, store database.Store)
	}{
		{
			name:    "volatile memory",
			backend: BackendMemory,
			check: func(t *testing.T, store database.Store) {
				assert.IsType(t, &database.MemDB{}, store)
			},
		},
		{
			name:    "memory over sqlite",
			backend: BackendMemory,
			path:    filepath.Join(dir, "mem.db"),
			check: func(t *testing.T, store database.Store) {
				assert.IsType(t, &database.MemDB{}, store)
			},
		},
		{
			name:    "sqlite",
			backend: BackendSQLite,
			path:    filepath.Join(dir, "sub", "plain.db"),
			check: func(t *testing.T, store database.Store) {
				assert.IsType(t, &database.DB{}, store)
			},
		},
		{
			name:    "unset backend is sqlite",
			backend: "",
			path:    filepath.Join(dir, "unset.db"),
			check: func(t *testing.T, store database.Store) {
				assert.IsType(t, &database.DB{}, store)
			},
		},
		{name: "sqlite without path", backend: BackendSQLite, wantErr: true},
		{name: "unset backend without path", backend: "", wantErr: true},
		{name: "postgres without dsn", backend: BackendPostgres, wantErr: true},
		{name: "unknown", backend: "mongo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultTOMLConfig()
			config.Server.DatabaseBackend = tt.backend
			config.Server.DatabasePath = tt.path

			store, err := config.OpenStore(ctx)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer store.Close()
			tt.check(t, store)
		})
	}
}
