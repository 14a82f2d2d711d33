package tcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *util.Logger {
	return util.NewLoggerWithOptions(util.LogOptions{Level: "error", Output: io.Discard})
}

type sourceFunc func(ctx context.Context, request *models.Request) (*models.Response, error)

func (f sourceFunc) GetResponseFor(ctx context.Context, request *models.Request) (*models.Response, error) {
	return f(ctx, request)
}

func startServer(t *testing.T, mode string, source ResponseSource) *Server {
	t.Helper()
	server, err := Create(&models.ImposterConfig{Protocol: "tcp", Mode: mode, Host: "127.0.0.1"}, testLogger(), source)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close(nil) })
	return server
}

func roundTrip(t *testing.T, port int, payload []byte) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(payload)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	buffer := make([]byte, 1024)
	n, err := conn.Read(buffer)
	require.NoError(t, err)
	return buffer[:n]
}

func TestTextModeEcho(t *testing.T) {
	server := startServer(t, "", sourceFunc(func(_ context.Context, request *models.Request) (*models.Response, error) {
		return &models.Response{Data: "echo: " + request.Data}, nil
	}))

	assert.Equal(t, "echo: hello", string(roundTrip(t, server.Port(), []byte("hello"))))
}

func TestBinaryModeEncodesBothWays(t *testing.T) {
	seen := make(chan string, 1)
	server := startServer(t, models.ModeBinary, sourceFunc(func(_ context.Context, request *models.Request) (*models.Response, error) {
		seen <- request.Data
		return &models.Response{Data: base64.StdEncoding.EncodeToString([]byte{9, 8, 7})}, nil
	}))

	reply := roundTrip(t, server.Port(), []byte{1, 2, 3})
	assert.Equal(t, []byte{9, 8, 7}, reply)
	assert.Equal(t, "AQID", <-seen)
}

func TestRequestsCarryClientAddress(t *testing.T) {
	requests := make(chan *models.Request, 1)
	server := startServer(t, "", sourceFunc(func(_ context.Context, request *models.Request) (*models.Response, error) {
		requests <- request
		return &models.Response{Data: "ok"}, nil
	}))

	roundTrip(t, server.Port(), []byte("x"))
	request := <-requests
	assert.Equal(t, "tcp", request.Protocol)
	assert.Equal(t, "127.0.0.1", request.IP)
	assert.NotEmpty(t, request.RequestFrom)
	assert.NotEmpty(t, request.Timestamp)
}

func TestBlockedResponseClosesConnection(t *testing.T) {
	server := startServer(t, "", sourceFunc(func(context.Context, *models.Request) (*models.Response, error) {
		return &models.Response{Blocked: true}, nil
	}))

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", server.Port()))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("knock"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 16))
	assert.Error(t, err)
}

func TestCloseRunsCallback(t *testing.T) {
	server, err := Create(&models.ImposterConfig{Protocol: "tcp"}, testLogger(), sourceFunc(func(context.Context, *models.Request) (*models.Response, error) {
		return &models.Response{}, nil
	}))
	require.NoError(t, err)

	called := false
	require.NoError(t, server.Close(func() { called = true }))
	assert.True(t, called)

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", server.Port()), 200*time.Millisecond)
	assert.Error(t, err)
}
