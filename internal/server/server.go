package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mountebank-testing/mbengine/internal/controllers"
	"github.com/mountebank-testing/mbengine/internal/metrics"
	"github.com/mountebank-testing/mbengine/internal/models"
	httpproto "github.com/mountebank-testing/mbengine/internal/protocols/http"
	httpsproto "github.com/mountebank-testing/mbengine/internal/protocols/https"
	tcpproto "github.com/mountebank-testing/mbengine/internal/protocols/tcp"
	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/rs/cors"
)

// Version is reported by GET /config
const Version = "2.9.3-go"

// Config represents server configuration
type Config struct {
	Port           int
	Host           string
	LogLevel       string
	LogFormat      string
	LogFile        string
	AllowInjection bool
	LocalOnly      bool
	IPWhitelist    []string
	Origin         []string
	APIKey         string
	// Debug records stub matches
	Debug bool
	// Mock records requests on every imposter
	Mock bool
}

// Server represents the mountebank server
type Server struct {
	config     *Config
	httpServer *http.Server
	logger     *util.Logger
	repository *models.ImposterRepository
	validator  *models.Validator
	csv        *models.CSVCache
	verifier   *util.IPVerifier
	metrics    *metrics.Metrics
}

// New creates a new mountebank server
func New(config *Config) (*Server, error) {
	logger := util.NewLoggerWithOptions(util.LogOptions{
		Level:   config.LogLevel,
		Format:  config.LogFormat,
		LogFile: config.LogFile,
	}).WithScope("mb")
	return NewWithLogger(config, logger), nil
}

// NewWithLogger creates a server writing to an existing logger
func NewWithLogger(config *Config, logger *util.Logger) *Server {
	allowlist := config.IPWhitelist
	if config.LocalOnly {
		allowlist = []string{"127.0.0.1", "::1", "localhost"}
	}

	csv := models.NewCSVCache(logger)
	s := &Server{
		config:     config,
		logger:     logger,
		repository: models.NewImposterRepository(logger),
		validator:  models.NewValidator(config.AllowInjection, csv, logger),
		csv:        csv,
		verifier:   util.NewIPVerifier(allowlist),
		metrics:    metrics.New(),
	}

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the management API router
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	impostersController := controllers.NewImpostersController(s.repository, s, s.validator, s.logger)
	imposterController := controllers.NewImposterController(s.repository, s.validator, s.logger)
	logsController := controllers.NewLogsController(s.logger)

	router.HandleFunc("/", s.handleHome).Methods("GET")
	router.HandleFunc("/imposters", impostersController.Get).Methods("GET")
	router.HandleFunc("/imposters", impostersController.Post).Methods("POST")
	router.HandleFunc("/imposters", impostersController.Delete).Methods("DELETE")
	router.HandleFunc("/imposters", impostersController.Put).Methods("PUT")

	router.HandleFunc("/imposters/{id}", imposterController.Get).Methods("GET")
	router.HandleFunc("/imposters/{id}", imposterController.Delete).Methods("DELETE")
	router.HandleFunc("/imposters/{id}/stubs", imposterController.PutStubs).Methods("PUT")
	router.HandleFunc("/imposters/{id}/stubs", imposterController.PostStub).Methods("POST")
	router.HandleFunc("/imposters/{id}/stubs/id/{stubID}", imposterController.DeleteStubByID).Methods("DELETE")
	router.HandleFunc("/imposters/{id}/stubs/{stubIndex}", imposterController.PutStub).Methods("PUT")
	router.HandleFunc("/imposters/{id}/stubs/{stubIndex}", imposterController.DeleteStub).Methods("DELETE")
	router.HandleFunc("/imposters/{id}/savedRequests", imposterController.ResetRequests).Methods("DELETE")
	router.HandleFunc("/imposters/{id}/savedProxyResponses", imposterController.DeleteSavedProxyResponses).Methods("DELETE")

	router.HandleFunc("/logs", logsController.Get).Methods("GET")
	router.HandleFunc("/config", s.handleConfig).Methods("GET")
	router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	router.Use(s.requireAPIKey, s.allowlistMiddleware)

	origins := s.config.Origin
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return corsHandler.Handler(router)
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey != "" && r.Header.Get("x-api-key") != s.config.APIKey {
			status, body := util.ErrorResponseFor(util.NewInsufficientAccessError("invalid or missing x-api-key header"))
			writeJSON(w, status, body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowlistMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.verifier.IsAllowed(r.RemoteAddr, s.logger) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHome lists the top-level resources
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"_links": map[string]interface{}{
			"imposters": map[string]string{"href": "/imposters"},
			"config":    map[string]string{"href": "/config"},
			"logs":      map[string]string{"href": "/logs"},
			"metrics":   map[string]string{"href": "/metrics"},
		},
	})
}

// handleConfig handles the config endpoint
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": Version,
		"options": map[string]interface{}{
			"port":           s.config.Port,
			"host":           s.config.Host,
			"allowInjection": s.config.AllowInjection,
			"localOnly":      s.config.LocalOnly,
			"ipWhitelist":    s.config.IPWhitelist,
			"debug":          s.config.Debug,
			"mock":           s.config.Mock,
		},
		"process": map[string]interface{}{
			"platform": "go",
		},
	})
}

// Start serves the management API until Stop is called
func (s *Server) Start() error {
	s.logger.Infof("mountebank now taking orders - point your browser to http://%s:%d/ for help", s.config.Host, s.config.Port)
	if s.config.AllowInjection {
		s.logger.Warn("Running with --allowInjection set. Injected JavaScript runs with the privileges of this process.")
	}

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops every imposter and then the management API
func (s *Server) Stop() error {
	s.logger.Info("Shutting down server...")
	s.repository.StopAll()
	if err := s.csv.Close(); err != nil {
		s.logger.Warnf("closing lookup cache: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	s.logger.Info("Adios - see you soon?")
	return nil
}

// Repository returns the imposter repository
func (s *Server) Repository() *models.ImposterRepository {
	return s.repository
}

// Validator returns the definition validator
func (s *Server) Validator() *models.Validator {
	return s.validator
}

// LoadImposters validates and creates every imposter from a config file
func (s *Server) LoadImposters(ctx context.Context, configs []models.ImposterConfig) error {
	var errs util.ErrorList
	for i := range configs {
		errs.Add(s.validator.ValidateImposter(ctx, &configs[i]))
	}
	if err := errs.Err(); err != nil {
		return err
	}
	for i := range configs {
		if _, err := s.CreateImposter(ctx, &configs[i]); err != nil {
			return err
		}
	}
	return nil
}

// transport is the part of a protocol server the imposter needs
type transport interface {
	Port() int
	Close(callback func()) error
}

// CreateImposter starts the transport for an already validated config and adds
// the imposter to the repository
func (s *Server) CreateImposter(ctx context.Context, config *models.ImposterConfig) (*models.Imposter, error) {
	if config.Port != 0 && s.repository.Exists(config.Port) {
		return nil, util.NewResourceConflictError(fmt.Sprintf("port %d is already in use", config.Port), config.Port)
	}
	if config.Port == 0 {
		port, err := availablePort(config.Host)
		if err != nil {
			return nil, util.NewProtocolError("cannot find an open port", nil, err.Error())
		}
		config.Port = port
	}
	if s.config.Mock {
		config.RecordRequests = true
	}

	logger := s.logger.WithScope(fmt.Sprintf("%s:%d", config.Protocol, config.Port))
	options := models.ImposterOptions{
		AllowInjection: s.config.AllowInjection,
		RecordMatches:  s.config.Debug,
		CSV:            s.csv,
		IPVerifier:     s.verifier,
		Observer:       s.metrics,
	}

	switch config.Protocol {
	case "http", "https":
		options.ProxyClient = httpproto.NewProxyClient(logger)
	case "tcp":
		options.ProxyClient = tcpproto.NewProxyClient(config.Mode, logger)
	case "smtp":
		return nil, util.NewProtocolError("the smtp protocol is not supported", config.Protocol, nil)
	default:
		return nil, util.NewProtocolError(fmt.Sprintf("the %s protocol is not supported", config.Protocol), config.Protocol, nil)
	}

	imposter, err := models.NewImposter(config, logger, options)
	if err != nil {
		return nil, err
	}

	var server transport
	switch config.Protocol {
	case "http":
		server, err = httpproto.Create(config, logger, imposter)
	case "https":
		server, err = httpsproto.Create(config, logger, imposter)
	case "tcp":
		server, err = tcpproto.Create(config, logger, imposter)
	}
	if err != nil {
		return nil, err
	}
	imposter.Attach(server.Port(), server.Close)

	if err := s.repository.Add(imposter); err != nil {
		_ = server.Close(nil)
		return nil, err
	}
	return imposter, nil
}

func availablePort(host string) (int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(body)
}
