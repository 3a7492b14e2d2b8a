package wizard

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/magi-network/brainproxy/internal/config"
	"github.com/magi-network/brainproxy/pkg/cli"
)

func TestWizard_Interactive(t *testing.T) {
	input := strings.Join([]string{
		":9090",                      // listen address
		"https://brains.example.com", // public url
		"",                           // allowed origins
		"45s",                        // request timeout
		"",                           // max idle
		"1",                          // sqlite
		"./data/bp.db",               // sqlite path
		"",                           // redis url
		"",                           // enable admin (default yes)
		"ops",                        // admin username
		"correct-horse-battery",      // admin password
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	w := New(&cli.Prompter{In: strings.NewReader(input), Out: out})

	path := filepath.Join(t.TempDir(), "brain-proxy.yaml")
	require.NoError(t, w.Run(path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "https://brains.example.com", cfg.Server.PublicURL)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 45*time.Second, cfg.Proxy.RequestTimeout.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Proxy.MaxIdle.Duration)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "./data/bp.db", cfg.Storage.DSN)
	assert.Empty(t, cfg.Presence.RedisURL)

	assert.Equal(t, "ops", cfg.Admin.Username)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cfg.Admin.PasswordHash), []byte("correct-horse-battery")))
	assert.GreaterOrEqual(t, len(cfg.Admin.JWTSecret), 32)
	assert.NotContains(t, out.String(), "Generated admin password")
	assert.Contains(t, out.String(), "brain-proxy run -c "+path)
}

func TestWizard_GeneratesAdminPassword(t *testing.T) {
	input := strings.Join([]string{"", "", "", "", "", "3", "", "y", "admin", ""}, "\n") + "\n"
	out := &bytes.Buffer{}
	w := New(&cli.Prompter{In: strings.NewReader(input), Out: out})

	path := filepath.Join(t.TempDir(), "brain-proxy.json")
	require.NoError(t, w.Run(path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Storage.Driver)
	assert.Equal(t, "admin", cfg.Admin.Username)
	assert.Contains(t, out.String(), "Generated admin password: ")
}

func TestWizard_NoAdmin(t *testing.T) {
	input := strings.Join([]string{"", "", "", "", "", "", "", "", "n"}, "\n") + "\n"
	w := New(&cli.Prompter{In: strings.NewReader(input), Out: &bytes.Buffer{}})

	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, w.Run(path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Admin.Enabled())
}

func TestWizard_RunDefaults(t *testing.T) {
	t.Setenv("BRAIN_PROXY_ADDR", ":7070")
	t.Setenv("BRAIN_PROXY_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("BRAIN_PROXY_STORAGE_DRIVER", "postgres")
	t.Setenv("BRAIN_PROXY_STORAGE_DSN", "postgres://u:p@db:5432/bp")
	t.Setenv("BRAIN_PROXY_REDIS_URL", "redis://cache:6379/0")
	t.Setenv("BRAIN_PROXY_ADMIN_PASSWORD", "from-the-environment")

	out := &bytes.Buffer{}
	w := New(&cli.Prompter{In: strings.NewReader(""), Out: out})
	path := filepath.Join(t.TempDir(), "brain-proxy.yml")
	require.NoError(t, w.RunDefaults(path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "redis://cache:6379/0", cfg.Presence.RedisURL)
	assert.Equal(t, "admin", cfg.Admin.Username)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cfg.Admin.PasswordHash), []byte("from-the-environment")))
	assert.Contains(t, out.String(), "Config generated at")
}

func TestWizard_RunDefaults_PostgresNeedsDSN(t *testing.T) {
	t.Setenv("BRAIN_PROXY_STORAGE_DRIVER", "postgres")
	t.Setenv("BRAIN_PROXY_STORAGE_DSN", "")

	w := New(&cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	err := w.RunDefaults(filepath.Join(t.TempDir(), "x.json"))
	assert.ErrorContains(t, err, "BRAIN_PROXY_STORAGE_DSN")
}

func TestWizard_RunDefaults_RejectsBadDriver(t *testing.T) {
	t.Setenv("BRAIN_PROXY_STORAGE_DRIVER", "mysql")

	w := New(&cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	err := w.RunDefaults(filepath.Join(t.TempDir(), "x.json"))
	assert.ErrorContains(t, err, "generated config is invalid")
}
