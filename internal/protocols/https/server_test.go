package https

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoPath struct{}

func (echoPath) GetResponseFor(_ context.Context, request *models.Request) (*models.Response, error) {
	return &models.Response{Body: request.Protocol + " " + request.Path}, nil
}

func insecureClient() *http.Client {
	return &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed test certificate
	}}
}

func TestServesWithSelfSignedCertificate(t *testing.T) {
	logger := util.NewLoggerWithOptions(util.LogOptions{Level: "error", Output: io.Discard})
	server, err := Create(&models.ImposterConfig{Protocol: "https"}, logger, echoPath{})
	require.NoError(t, err)
	defer server.Close(nil)

	resp, err := insecureClient().Get(fmt.Sprintf("https://127.0.0.1:%d/secure", server.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https /secure", string(body))
	require.NotNil(t, resp.TLS)
	assert.Equal(t, "localhost", resp.TLS.PeerCertificates[0].Subject.CommonName)
}

func TestSelfSignedCertificateIsShared(t *testing.T) {
	first, firstPEM, err := selfSigned()
	require.NoError(t, err)
	second, secondPEM, err := selfSigned()
	require.NoError(t, err)

	assert.Equal(t, first.Certificate, second.Certificate)
	assert.Equal(t, firstPEM, secondPEM)
}

func TestConfiguredCertificate(t *testing.T) {
	_, certPEM, err := generateCertificate()
	require.NoError(t, err)

	_, err = tlsConfigFor(&models.ImposterConfig{Cert: string(certPEM), Key: "not a key"})
	assert.Error(t, err)

	logger := util.NewLoggerWithOptions(util.LogOptions{Level: "error", Output: io.Discard})
	_, err = Create(&models.ImposterConfig{Protocol: "https", Cert: string(certPEM), Key: "not a key"}, logger, echoPath{})
	require.Error(t, err)
	assert.Equal(t, util.ValidationError, util.CodeOf(err))
}

func TestMutualAuthRequestsClientCertificate(t *testing.T) {
	config, err := tlsConfigFor(&models.ImposterConfig{MutualAuth: true})
	require.NoError(t, err)
	assert.Equal(t, tls.RequestClientCert, config.ClientAuth)
	assert.NotNil(t, config.ClientCAs)

	config, err = tlsConfigFor(&models.ImposterConfig{})
	require.NoError(t, err)
	assert.Equal(t, tls.NoClientCert, config.ClientAuth)
}
