package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mountebank-testing/mbengine/internal/config"
	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/server"
	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAPI(t *testing.T, cfg *server.Config) (*server.Server, *apiClient) {
	t.Helper()
	logger := util.NewLoggerWithOptions(util.LogOptions{Level: "error", Output: io.Discard})
	srv := server.NewWithLogger(cfg, logger)
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		api.Close()
		srv.Repository().StopAll()
	})
	return srv, &apiClient{baseURL: api.URL, apiKey: cfg.APIKey, http: http.DefaultClient}
}

func recordedImposter(t *testing.T, srv *server.Server) *models.Imposter {
	t.Helper()
	imposter, err := srv.CreateImposter(context.Background(), &models.ImposterConfig{
		Protocol: "http",
		Name:     "recorder",
		Stubs: []models.Stub{
			{Responses: []models.ResponseConfig{{Is: &models.Response{Body: "kept"}}}},
			{Responses: []models.ResponseConfig{{Proxy: &models.ProxyConfig{To: "http://localhost:1"}}}},
		},
	})
	require.NoError(t, err)
	return imposter
}

func TestNewAPIClient(t *testing.T) {
	v := viper.New()
	v.Set("host", "localhost")
	v.Set("port", 3535)
	v.Set("apikey", "k")

	client := newAPIClient(v)
	assert.Equal(t, "http://localhost:3535", client.baseURL)
	assert.Equal(t, "k", client.apiKey)
}

func TestRunList(t *testing.T) {
	srv, client := startAPI(t, &server.Config{})
	imposter := recordedImposter(t, srv)

	var out bytes.Buffer
	require.NoError(t, runList(client, &out))

	text := out.String()
	assert.Contains(t, text, "PORT")
	assert.Contains(t, text, strconv.Itoa(imposter.Port()))
	assert.Contains(t, text, "recorder")
}

func TestRunSave(t *testing.T) {
	srv, client := startAPI(t, &server.Config{})
	recordedImposter(t, srv)

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, runSave(client, path, true))

	saved, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, saved.Imposters, 1)
	require.Len(t, saved.Imposters[0].Stubs, 1)
	assert.Equal(t, "kept", saved.Imposters[0].Stubs[0].Responses[0].Is.Body)
}

func TestRunReplayRemovesProxies(t *testing.T) {
	srv, client := startAPI(t, &server.Config{})
	recordedImposter(t, srv)

	require.NoError(t, runReplay(client))

	imposters := srv.Repository().GetAll()
	require.Len(t, imposters, 1)
	stubs := imposters[0].Stubs().Stubs()
	require.Len(t, stubs, 1)
	assert.NotNil(t, stubs[0].Responses[0].Is)
}

func TestClientReportsAPIErrors(t *testing.T) {
	_, client := startAPI(t, &server.Config{APIKey: "secret"})
	client.apiKey = "wrong"

	err := runList(client, io.Discard)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "401"), err.Error())

	client.apiKey = "secret"
	assert.NoError(t, runList(client, io.Discard))
}
