package tcp

import (
	"context"
	"encoding/base64"
	"net"
	"testing"

	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startOrigin answers every chunk with reply(chunk) and keeps the connection open
func startOrigin(t *testing.T, reply func([]byte) []byte) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buffer := make([]byte, 1024)
				for {
					n, err := conn.Read(buffer)
					if err != nil {
						return
					}
					if _, err := conn.Write(reply(buffer[:n])); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return "tcp://" + listener.Addr().String()
}

func TestProxyTextMode(t *testing.T) {
	origin := startOrigin(t, func(chunk []byte) []byte { return append([]byte("origin saw "), chunk...) })

	response, err := NewProxyClient("", testLogger()).To(context.Background(), origin, &models.Request{Data: "ping"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "origin saw ping", response.Data)
	assert.Equal(t, models.ModeText, response.Mode)
}

func TestProxyBinaryMode(t *testing.T) {
	origin := startOrigin(t, func(chunk []byte) []byte {
		reversed := make([]byte, len(chunk))
		for i, b := range chunk {
			reversed[len(chunk)-1-i] = b
		}
		return reversed
	})

	request := &models.Request{Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}
	response, err := NewProxyClient(models.ModeBinary, testLogger()).To(context.Background(), origin, request, nil)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{3, 2, 1}), response.Data)
	assert.True(t, response.IsBinary())
}

func TestProxyErrors(t *testing.T) {
	client := NewProxyClient("", testLogger())

	_, err := client.To(context.Background(), "http://localhost:80", &models.Request{Data: "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, util.InvalidProxyError, util.CodeOf(err))
	assert.Contains(t, err.Error(), "other than tcp")

	_, err = client.To(context.Background(), "not a url", &models.Request{Data: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid destination URL")

	_, err = NewProxyClient(models.ModeBinary, testLogger()).To(context.Background(), "tcp://127.0.0.1:1", &models.Request{Data: "%%%"}, nil)
	require.Error(t, err)
	assert.Equal(t, util.ValidationError, util.CodeOf(err))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := "tcp://" + listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = client.To(context.Background(), closed, &models.Request{Data: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unable to connect to")
}
