package apps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apps:
  - id: demo-app
    name: Demo Application
    origins:
      - https://demo.example.com
      - http://localhost:3000
  - id: shop
    name: Shop
    origins:
      - https://shop.example.com
`), 0o600))

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	app, ok := reg.Get("demo-app")
	require.True(t, ok)
	assert.Equal(t, "Demo Application", app.Name)

	assert.True(t, reg.AllowedOrigin("demo-app", "http://localhost:3000"))
	assert.False(t, reg.AllowedOrigin("demo-app", "https://shop.example.com"))
	assert.False(t, reg.AllowedOrigin("missing", "https://demo.example.com"))
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	noOrigins := filepath.Join(dir, "apps.yaml")
	require.NoError(t, os.WriteFile(noOrigins, []byte("apps:\n  - id: a\n    name: A\n"), 0o600))
	_, err = Load(noOrigins)
	assert.ErrorContains(t, err, "no origins")
}
