package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listen: "localhost:9000"
storage:
  backend: sqlite
  directory: /var/lib/stopboard
feeds:
  - code: mta
    staticUrl: http://example.com/gtfs.zip
    realtime:
      - url: http://example.com/rt1
        headers:
          X-Api-Key: secret
      - url: http://example.com/rt2
pollIntervalSeconds: 15
`))
	require.NoError(t, err)

	assert.Equal(t, "localhost:9000", cfg.Listen)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/stopboard", cfg.Storage.Directory)
	assert.Equal(t, 15, cfg.PollIntervalSeconds)

	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "mta", cfg.Feeds[0].Code)
	assert.Equal(t, "http://example.com/gtfs.zip", cfg.Feeds[0].StaticURL)
	require.Len(t, cfg.Feeds[0].Realtime, 2)
	assert.Equal(t, "secret", cfg.Feeds[0].Realtime[0].Headers["X-Api-Key"])

	// Defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "stopboard.snapshots", cfg.NATS.Subject)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
feeds:
  - code: mta
    staticUrl: http://example.com/gtfs.zip
`))
	require.NoError(t, err)

	assert.Equal(t, "localhost:8753", cfg.Listen)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestLoadInvalid(t *testing.T) {
	for name, content := range map[string]string{
		"no feeds": `
listen: "localhost:9000"
`,
		"missing code": `
feeds:
  - staticUrl: http://example.com/gtfs.zip
`,
		"bogus static url": `
feeds:
  - code: mta
    staticUrl: not-a-url
`,
		"bogus backend": `
storage:
  backend: cassandra
feeds:
  - code: mta
    staticUrl: http://example.com/gtfs.zip
`,
		"duplicated code": `
feeds:
  - code: mta
    staticUrl: http://example.com/a.zip
  - code: mta
    staticUrl: http://example.com/b.zip
`,
		"not yaml": `{{{`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yml")
	assert.Error(t, err)
}

func TestFeedSelection(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
feeds:
  - code: mta
    staticUrl: http://example.com/a.zip
  - code: bart
    staticUrl: http://example.com/b.zip
`))
	require.NoError(t, err)

	feed, err := cfg.Feed("")
	require.NoError(t, err)
	assert.Equal(t, "mta", feed.Code)

	feed, err = cfg.Feed("bart")
	require.NoError(t, err)
	assert.Equal(t, "bart", feed.Code)

	_, err = cfg.Feed("bogus")
	assert.Error(t, err)
}
