package tcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"
	"time"

	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
)

// replyIdle is how long the proxy waits for more bytes once the origin has
// started answering
const replyIdle = 100 * time.Millisecond

// ProxyClient forwards raw data to a tcp:// origin
type ProxyClient struct {
	mode   string
	logger *util.Logger
}

// NewProxyClient creates a proxy client for an imposter in the given mode
func NewProxyClient(mode string, logger *util.Logger) *ProxyClient {
	if mode == "" {
		mode = models.ModeText
	}
	return &ProxyClient{mode: mode, logger: logger}
}

// To writes the request data to destination and returns what the origin sends back
func (p *ProxyClient) To(ctx context.Context, destination string, request *models.Request, _ *models.ProxyConfig) (*models.Response, error) {
	target, err := url.Parse(destination)
	if err != nil || target.Host == "" {
		return nil, util.NewInvalidProxyError(fmt.Sprintf("Unable to proxy to %s: invalid destination URL", destination), destination)
	}
	if target.Scheme != "tcp" {
		return nil, util.NewInvalidProxyError("Unable to proxy to any protocol other than tcp", destination)
	}

	payload := []byte(request.Data)
	if p.mode == models.ModeBinary {
		if payload, err = base64.StdEncoding.DecodeString(request.Data); err != nil {
			return nil, util.NewValidationError("request data is not valid base64", request.Data)
		}
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", target.Host)
	if err != nil {
		return nil, proxyError(ctx, destination, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return nil, proxyError(ctx, destination, err)
	}

	reply, err := readReply(conn)
	if err != nil {
		return nil, proxyError(ctx, destination, err)
	}
	p.logger.Debugf("%s replied with %d bytes", destination, len(reply))

	response := &models.Response{Mode: p.mode}
	if p.mode == models.ModeBinary {
		response.Data = base64.StdEncoding.EncodeToString(reply)
	} else {
		response.Data = string(reply)
	}
	return response, nil
}

// readReply blocks for the first bytes, then keeps reading until the origin goes
// quiet or closes the connection
func readReply(conn net.Conn) ([]byte, error) {
	var reply []byte
	buffer := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buffer)
		reply = append(reply, buffer[:n]...)
		if err != nil {
			if len(reply) > 0 || errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
				return reply, nil
			}
			return nil, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(replyIdle))
	}
}

func proxyError(ctx context.Context, destination string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return util.NewInvalidProxyError(fmt.Sprintf("Cannot resolve %s", util.ToJSON(destination)), destination)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return util.NewInvalidProxyError(fmt.Sprintf("Unable to connect to %s", util.ToJSON(destination)), destination)
	}
	return util.NewInvalidProxyError(fmt.Sprintf("Unable to connect to %s: %v", util.ToJSON(destination), err), destination)
}
