package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const impostersJSON = `{
  "imposters": [{
    "protocol": "http",
    "port": 4545,
    "stubs": [{
      "predicates": [{"equals": {"path": "/test"}}],
      "responses": [{"is": {"statusCode": 200, "body": "hello"}}]
    }]
  }]
}`

const impostersYAML = `
imposters:
  - protocol: tcp
    port: 5555
    mode: binary
    stubs:
      - responses:
          - is:
              data: AQID
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadJSON(t *testing.T) {
	cfg, err := Load(writeFile(t, "imposters.json", impostersJSON))
	require.NoError(t, err)
	require.Len(t, cfg.Imposters, 1)

	imposter := cfg.Imposters[0]
	assert.Equal(t, "http", imposter.Protocol)
	assert.Equal(t, 4545, imposter.Port)
	require.Len(t, imposter.Stubs, 1)
	assert.Equal(t, "hello", imposter.Stubs[0].Responses[0].Is.Body)
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "imposters.yml", impostersYAML))
	require.NoError(t, err)
	require.Len(t, cfg.Imposters, 1)
	assert.Equal(t, "binary", cfg.Imposters[0].Mode)
	assert.Equal(t, "AQID", cfg.Imposters[0].Stubs[0].Responses[0].Is.Data)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "broken.json", "{"))
	assert.Error(t, err)
}

func TestSaveRoundTrips(t *testing.T) {
	imposters := []models.ImposterConfig{{
		Protocol: "http",
		Port:     4546,
		Name:     "orders",
		Stubs:    []models.Stub{{Responses: []models.ResponseConfig{{Is: &models.Response{StatusCode: 201}}}}},
	}}

	for _, name := range []string{"saved.json", "saved.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, Save(path, imposters))

			loaded, err := Load(path)
			require.NoError(t, err)
			require.Len(t, loaded.Imposters, 1)
			assert.Equal(t, "orders", loaded.Imposters[0].Name)
			assert.Equal(t, 201, loaded.Imposters[0].Stubs[0].Responses[0].Is.StatusCode)
		})
	}
}

func TestSaveWritesEmptyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, Save(path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"imposters": []}`, string(data))
}

func TestApplyRCFile(t *testing.T) {
	v := viper.New()
	v.SetDefault("port", 2525)
	v.SetDefault("loglevel", "info")

	require.NoError(t, ApplyRCFile(v, ""))
	assert.Equal(t, 2525, v.GetInt("port"))

	require.NoError(t, ApplyRCFile(v, writeFile(t, ".mbrc", `{"port": 3535, "allowInjection": true}`)))
	assert.Equal(t, 3535, v.GetInt("port"))
	assert.True(t, v.GetBool("allowInjection"))
	assert.Equal(t, "info", v.GetString("loglevel"))

	require.NoError(t, ApplyRCFile(v, writeFile(t, "mbrc.yaml", "loglevel: debug\n")))
	assert.Equal(t, "debug", v.GetString("loglevel"))
	assert.Equal(t, 3535, v.GetInt("port"))

	assert.Error(t, ApplyRCFile(v, filepath.Join(t.TempDir(), "missing.json")))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"127.0.0.1", "10.0.0.0/8", "::1"}, SplitList("127.0.0.1| 10.0.0.0/8,::1 |"))
	assert.Empty(t, SplitList(""))
}
