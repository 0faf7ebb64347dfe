package di

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daviddao/smail/internal/config"
	"github.com/daviddao/smail/internal/db"
	"github.com/daviddao/smail/internal/scan"
	"github.com/daviddao/smail/internal/web"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	secret := filepath.Join(dir, "client_secret.json")
	require.NoError(t, os.WriteFile(secret, []byte(`{"web":{"client_id":"cid","client_secret":"cs","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token"}}`), 0o600))

	cfg := config.NewFromViper(config.NewEmptyViper())
	cfg.Set("database.path", filepath.Join(dir, "smail.db"))
	cfg.Set("oauth.client_secret_file", secret)
	return cfg
}

func TestBuildContainer(t *testing.T) {
	container, err := BuildContainer(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	err = container.Invoke(func(srv *web.Server, sched *scan.Scheduler, locker scan.Locker, store *db.DB) {
		assert.NotNil(t, srv)
		assert.NotNil(t, sched)
		assert.IsType(t, &scan.LocalLocker{}, locker)
		assert.NoError(t, store.Close())
	})
	require.NoError(t, err)
}

func TestBuildContainer_UnknownClassifier(t *testing.T) {
	cfg := testConfig(t)
	cfg.Set("classifier.provider", "crystal-ball")

	container, err := BuildContainer(cfg, zap.NewNop())
	require.NoError(t, err)

	err = container.Invoke(func(*scan.Pipeline) {})
	assert.ErrorContains(t, err, "unsupported classifier provider")
}

func TestBuildContainer_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Set("redis.enabled", true)
	cfg.Set("redis.addr", "127.0.0.1:1")

	container, err := BuildContainer(cfg, zap.NewNop())
	require.NoError(t, err)

	err = container.Invoke(func(scan.Locker) {})
	assert.ErrorContains(t, err, "connect to redis")
}
