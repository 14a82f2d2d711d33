package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

var binaryContentTypes = []string{
	"audio/",
	"image/",
	"video/",
	"application/octet-stream",
}

// ProxyClient forwards simplified requests to an HTTP or HTTPS origin
type ProxyClient struct {
	logger    *util.Logger
	transport *http.Transport
}

// NewProxyClient creates a new proxy client
func NewProxyClient(logger *util.Logger) *ProxyClient {
	return &ProxyClient{
		logger:    logger,
		transport: newTransport(nil),
	}
}

func newTransport(certificates []tls.Certificate) *http.Transport {
	return &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // origins are usually test servers with self-signed certs
			Certificates:       certificates,
		},
	}
}

// To sends request to destination and converts the origin's reply
func (p *ProxyClient) To(ctx context.Context, destination string, request *models.Request, options *models.ProxyConfig) (*models.Response, error) {
	base, err := url.Parse(destination)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, util.NewInvalidProxyError(fmt.Sprintf("Unable to proxy to %s: invalid destination URL", destination), destination)
	}

	outbound, err := p.outboundRequest(ctx, base, request, options)
	if err != nil {
		return nil, util.NewInvalidProxyError(fmt.Sprintf("Unable to proxy to %s: %v", destination, err), destination)
	}

	client, err := p.clientFor(options)
	if err != nil {
		return nil, util.NewInvalidProxyError(fmt.Sprintf("Invalid client certificate for %s: %v", destination, err), destination)
	}

	resp, err := client.Do(outbound)
	if err != nil {
		return nil, proxyError(ctx, destination, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, proxyError(ctx, destination, err)
	}
	p.logger.Debugf("%s replied %d", destination, resp.StatusCode)
	return FromHTTPResponse(resp, body), nil
}

func (p *ProxyClient) outboundRequest(ctx context.Context, base *url.URL, request *models.Request, options *models.ProxyConfig) (*http.Request, error) {
	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + request.Path
	target.RawQuery = queryString(request.Query)

	outbound, err := http.NewRequestWithContext(ctx, request.Method, target.String(), bytes.NewBufferString(request.Body))
	if err != nil {
		return nil, err
	}

	for name, value := range request.Headers {
		if strings.EqualFold(name, "Host") {
			continue
		}
		switch v := value.(type) {
		case []interface{}:
			for _, item := range v {
				outbound.Header.Add(name, util.Stringify(item))
			}
		default:
			outbound.Header.Set(name, util.Stringify(v))
		}
	}
	for _, name := range hopByHopHeaders {
		outbound.Header.Del(name)
	}
	outbound.Header.Del("Content-Length")

	outbound.Host = base.Host
	for name, value := range options.InjectHeaders {
		if strings.EqualFold(name, "Host") {
			outbound.Host = value
			continue
		}
		outbound.Header.Set(name, value)
	}
	return outbound, nil
}

func queryString(query map[string]interface{}) string {
	values := url.Values{}
	for key, value := range query {
		if list, ok := value.([]interface{}); ok {
			for _, item := range list {
				values.Add(key, util.Stringify(item))
			}
			continue
		}
		values.Set(key, util.Stringify(value))
	}
	return values.Encode()
}

func (p *ProxyClient) clientFor(options *models.ProxyConfig) (*http.Client, error) {
	transport := p.transport
	if options.Cert != "" && options.Key != "" {
		certificate, err := tls.X509KeyPair([]byte(options.Cert), []byte(options.Key))
		if err != nil {
			return nil, err
		}
		transport = newTransport([]tls.Certificate{certificate})
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// proxyError maps transport failures onto invalid proxy errors naming the origin
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

// FromHTTPResponse converts an origin reply, base64 encoding binary bodies
func FromHTTPResponse(resp *http.Response, body []byte) *models.Response {
	headers := make(map[string]interface{}, len(resp.Header))
	for name, values := range resp.Header {
		headers[name] = singleOrList(values)
	}

	response := &models.Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Mode:       models.ModeText,
	}
	if isBinary(resp.Header) {
		response.Mode = models.ModeBinary
		response.Body = base64.StdEncoding.EncodeToString(body)
		return response
	}
	response.Body = string(body)
	return response
}

func isBinary(header http.Header) bool {
	if strings.Contains(strings.ToLower(header.Get("Content-Encoding")), "gzip") {
		return true
	}
	contentType := strings.ToLower(header.Get("Content-Type"))
	for _, prefix := range binaryContentTypes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}
