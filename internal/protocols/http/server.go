package http

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
)

// Faults an http imposter can simulate
const (
	FaultConnectionReset = "CONNECTION_RESET_BY_PEER"
	FaultRandomData      = "RANDOM_DATA_THEN_CLOSE"
)

// ResponseSource resolves a simplified request into a response
type ResponseSource interface {
	GetResponseFor(ctx context.Context, request *models.Request) (*models.Response, error)
}

// Server represents an HTTP imposter server
type Server struct {
	port      int
	protocol  string
	server    *http.Server
	listener  net.Listener
	logger    *util.Logger
	source    ResponseSource
	allowCORS bool
}

// Create listens on the configured port (0 picks a free one) and serves plain HTTP
func Create(config *models.ImposterConfig, logger *util.Logger, source ResponseSource) (*Server, error) {
	listener, err := net.Listen("tcp", listenAddress(config))
	if err != nil {
		return nil, util.NewProtocolError(fmt.Sprintf("cannot bind port %d: %v", config.Port, err), config.Port, nil)
	}
	return Serve(listener, "http", config, logger, source), nil
}

// Serve serves imposter requests from an existing listener
func Serve(listener net.Listener, protocol string, config *models.ImposterConfig, logger *util.Logger, source ResponseSource) *Server {
	s := &Server{
		port:      listener.Addr().(*net.TCPAddr).Port,
		protocol:  protocol,
		listener:  listener,
		logger:    logger,
		source:    source,
		allowCORS: config.AllowCORS,
	}
	s.server = &http.Server{
		Handler:           http.HandlerFunc(s.handleRequest),
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("%s server error: %v", strings.ToUpper(protocol), err)
		}
	}()

	logger.Infof("Open for business on port %d", s.port)
	return s
}

func listenAddress(config *models.ImposterConfig) string {
	return net.JoinHostPort(config.Host, fmt.Sprint(config.Port))
}

// handleRequest handles incoming HTTP requests
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		s.logger.Debugf("%s %s took %v", r.Method, r.URL.String(), time.Since(start))
	}()

	if s.allowCORS && isPreflight(r) {
		writePreflight(w, r)
		return
	}

	request, err := ToRequest(r, s.protocol)
	if err != nil {
		s.logger.Errorf("Error reading request: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.logger.Infof("%s => %s %s", request.RequestFrom, request.Method, request.Path)

	response, err := s.source.GetResponseFor(r.Context(), request)
	if err != nil {
		writeError(w, err)
		return
	}

	if response.Blocked {
		resetConnection(w, s.logger)
		return
	}
	if response.Fault != "" && writeFault(w, response.Fault, s.logger) {
		response.RecordMatch()
		return
	}

	if s.allowCORS {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	if err := WriteResponse(w, response); err != nil {
		s.logger.Errorf("Error writing response: %v", err)
	}
	response.RecordMatch()
}

// ToRequest converts an HTTP request to the simplified request form
func ToRequest(r *http.Request, protocol string) (*models.Request, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	headers := make(map[string]interface{})
	rawHeaders := []string{"Host", r.Host}
	headers["Host"] = r.Host
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := r.Header[name]
		headers[name] = singleOrList(values)
		for _, value := range values {
			rawHeaders = append(rawHeaders, name, value)
		}
	}

	query := make(map[string]interface{})
	for key, values := range r.URL.Query() {
		query[key] = singleOrList(values)
	}

	body := string(bodyBytes)
	request := &models.Request{
		Protocol:    protocol,
		RequestFrom: r.RemoteAddr,
		IP:          remoteIP(r.RemoteAddr),
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       query,
		Headers:     headers,
		Body:        body,
		RawHeaders:  rawHeaders,
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if values, err := url.ParseQuery(body); err == nil {
			form := make(map[string]interface{}, len(values))
			for key, list := range values {
				form[key] = singleOrList(list)
			}
			request.Form = form
		}
	}
	return request, nil
}

func singleOrList(values []string) interface{} {
	if len(values) == 1 {
		return values[0]
	}
	list := make([]interface{}, len(values))
	for i, value := range values {
		list[i] = value
	}
	return list
}

func remoteIP(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}

// WriteResponse writes a resolved response, decoding binary bodies
func WriteResponse(w http.ResponseWriter, response *models.Response) error {
	for key, value := range response.Headers {
		switch v := value.(type) {
		case string:
			w.Header().Set(key, v)
		case []interface{}:
			for _, item := range v {
				w.Header().Add(key, util.Stringify(item))
			}
		case []string:
			for _, item := range v {
				w.Header().Add(key, item)
			}
		default:
			w.Header().Set(key, util.Stringify(v))
		}
	}

	body, err := bodyBytes(response)
	if err != nil {
		return err
	}
	if _, structured := response.Body.(map[string]interface{}); structured && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}

	statusCode := response.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	w.WriteHeader(statusCode)
	_, err = w.Write(body)
	return err
}

func bodyBytes(response *models.Response) ([]byte, error) {
	switch body := response.Body.(type) {
	case nil:
		return nil, nil
	case string:
		if response.IsBinary() {
			return base64.StdEncoding.DecodeString(body)
		}
		return []byte(body), nil
	default:
		return json.MarshalIndent(body, "", "    ")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := util.ErrorResponseFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

func writePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
	if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
		w.Header().Set("Access-Control-Allow-Headers", requested)
	}
	w.WriteHeader(http.StatusOK)
}

// resetConnection drops the connection without writing a response
func resetConnection(w http.ResponseWriter, logger *util.Logger) {
	conn, ok := hijack(w, logger)
	if !ok {
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = conn.Close()
}

// writeFault simulates a network fault; unknown faults return false so a normal
// response is written instead
func writeFault(w http.ResponseWriter, fault string, logger *util.Logger) bool {
	switch fault {
	case FaultConnectionReset:
		resetConnection(w, logger)
		return true
	case FaultRandomData:
		conn, ok := hijack(w, logger)
		if !ok {
			return true
		}
		garbage := make([]byte, 32)
		_, _ = rand.Read(garbage)
		_, _ = conn.Write(garbage)
		_ = conn.Close()
		return true
	}
	logger.Errorf("unrecognized fault %s, sending normal response", fault)
	return false
}

func hijack(w http.ResponseWriter, logger *util.Logger) (net.Conn, bool) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("connection cannot be hijacked")
		return nil, false
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		logger.Errorf("hijack failed: %v", err)
		return nil, false
	}
	return conn, true
}

// Port returns the port the server is listening on
func (s *Server) Port() int {
	return s.port
}

// Close stops the server and then invokes callback
func (s *Server) Close(callback func()) error {
	err := s.server.Close()
	if err != nil {
		s.logger.Errorf("Error closing %s server: %v", s.protocol, err)
	}
	if callback != nil {
		callback()
	}
	return err
}
