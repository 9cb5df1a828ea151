package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("STORAGE", "memory")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("DEFAULT_CHANNELS", "")
	t.Setenv("SEND_RATE_RPS", "-1")

	cfg := Load()
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"general", "random"}, cfg.DefaultChannels)
	assert.Equal(t, 5.0, cfg.SendRateRPS, "non-positive rates fall back to the default")
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := Config{Storage: "mysql", Port: 8080}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "DB_USER and DB_NAME")

	cfg = Config{Storage: "sqlite", Port: 0, JWTSecret: "x"}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown STORAGE "sqlite"`)
	assert.Contains(t, err.Error(), "invalid APP_PORT 0")
}

func TestDSN(t *testing.T) {
	cfg := Config{DBUser: "u", DBPassword: "p", DBHost: "db", DBPort: "3307", DBName: "eaven"}
	assert.Equal(t, "u:p@tcp(db:3307)/eaven?parseTime=true&loc=UTC&multiStatements=true", cfg.DSN())
}

func TestProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eaven.yaml")

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", p.ServerURL)
	assert.Empty(t, p.Token)

	want := Profile{ServerURL: "https://chat.example.com", Token: "tok", UserID: "u1", OrgID: "acme", DisplayName: "Alice"}
	require.NoError(t, SaveProfile(path, want))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, os.WriteFile(path, []byte("server_url: [oops"), 0o600))
	_, err = LoadProfile(path)
	assert.Error(t, err)
}

func TestDefaultProfilePathHonoursEnv(t *testing.T) {
	t.Setenv("EAVEN_PROFILE", "/tmp/custom.yaml")
	assert.Equal(t, "/tmp/custom.yaml", DefaultProfilePath())
}
