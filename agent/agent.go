package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/guseggert/hostagent/agent/command"
	"github.com/guseggert/hostagent/agent/hosterr"
	"github.com/guseggert/hostagent/agent/hub"
	"github.com/guseggert/hostagent/agent/process"
	"github.com/guseggert/hostagent/agent/runner"
	"github.com/guseggert/hostagent/agent/service"
	"github.com/guseggert/hostagent/agent/stats"
	"github.com/guseggert/hostagent/config"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Name    = "hostagent"
	Version = "2.1.0"

	// maxBodyBytes bounds request bodies of /system/command/safe and /broadcast.
	maxBodyBytes = 1 << 20
)

// Agent is the HTTP agent that exposes the host's process table and admin operations.
type Agent struct {
	logger *zap.SugaredLogger
	cfg    *config.Config

	runner     runner.Runner
	tlsConfig  *tls.Config
	listenAddr string

	locator    *process.Locator
	dispatcher *process.Dispatcher
	ports      *process.PortInspector
	services   *service.Controller
	gateway    *command.Gateway
	stats      *stats.Collector
	hub        *hub.Registry
	limiter    *rateLimiter

	httpServer *http.Server
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("hostagent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithRunner replaces the subprocess runner used by every operation.
func WithRunner(r runner.Runner) Option {
	return func(a *Agent) {
		a.runner = r
	}
}

// WithTLSConfig serves HTTPS with the given config instead of the files named in the config.
func WithTLSConfig(c *tls.Config) Option {
	return func(a *Agent) {
		a.tlsConfig = c
	}
}

func newLogger(format string) (*zap.Logger, error) {
	if format == "json" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// NewAgent constructs a new host agent from cfg. A nil cfg means config.Default().
func NewAgent(cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	logger, err := newLogger(cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		logger:     logger.Named("hostagent").Sugar().WithOptions(zap.IncreaseLevel(level)),
		cfg:        cfg,
		listenAddr: cfg.ListenAddr,
	}
	for _, o := range opts {
		o(a)
	}
	if a.runner == nil {
		a.runner = runner.New(a.logger.Named("runner"))
	}
	if a.tlsConfig == nil && cfg.TLS.Cert != "" {
		a.tlsConfig, err = LoadServerTLSConfig(cfg.TLS.Cert, cfg.TLS.Key, cfg.TLS.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("building server TLS config: %w", err)
		}
	}

	a.buildComponents()

	router := httprouter.New()
	a.routes(router)
	a.httpServer = &http.Server{
		Handler:           a.rateLimited(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *Agent) buildComponents() {
	cfg := a.cfg

	a.locator = process.NewLocator(a.logger.Named("process_locator"), a.runner)
	if cfg.Limits.SearchDepth > 0 {
		a.locator.SearchLimit = cfg.Limits.SearchDepth
	}

	a.dispatcher = process.NewDispatcher(a.logger.Named("signal_dispatcher"), a.runner)
	if cfg.Timeouts.Signal > 0 {
		a.dispatcher.Timeout = cfg.Timeouts.Signal
	}

	a.ports = process.NewPortInspector(a.logger.Named("port_inspector"), a.runner)
	if cfg.Timeouts.Ports > 0 {
		a.ports.Timeout = cfg.Timeouts.Ports
	}

	a.services = service.NewController(a.logger.Named("service_controller"), a.runner)
	if cfg.Timeouts.Service > 0 {
		a.services.Timeout = cfg.Timeouts.Service
	}

	gatewayOpts := []command.Option{command.WithMode(cfg.CommandMode())}
	if cfg.Timeouts.Command > 0 {
		gatewayOpts = append(gatewayOpts, command.WithTimeout(cfg.Timeouts.Command))
	}
	a.gateway = command.NewGateway(a.logger.Named("command_gateway"), a.runner, gatewayOpts...)

	a.stats = stats.NewCollector(a.logger.Named("stats"), a.runner)
	if cfg.Timeouts.Stats > 0 {
		a.stats.Timeout = cfg.Timeouts.Stats
	}

	a.hub = hub.NewRegistry(a.logger.Named("hub"))
	a.hub.MaxConnections = cfg.Hub.MaxConnections
	if cfg.Hub.WriteTimeout > 0 {
		a.hub.WriteTimeout = cfg.Hub.WriteTimeout
	}

	if cfg.RateLimit.Limit > 0 {
		a.limiter = newRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Burst)
	}
}

func (a *Agent) routes(router *httprouter.Router) {
	router.GET("/", a.root)
	router.GET("/health", a.health)

	router.POST("/system/pkill/:pattern", a.authorized("pkill", a.pkill))
	router.POST("/system/killall/:name", a.authorized("killall", a.killall))
	router.POST("/system/kill/:pid", a.authorized("kill", a.kill))
	router.GET("/system/processes", a.authorized("processes", a.processes))
	router.GET("/system/processes/search/:pattern", a.authorized("search", a.search))
	router.GET("/system/stats", a.authorized("stats", a.systemStats))
	router.POST("/system/service/:action/:name", a.authorized("service", a.service))
	router.POST("/system/command/safe", a.authorized("command", a.command))
	router.GET("/system/command/whitelist", a.authorized("whitelist", a.whitelist))
	router.GET("/system/network/ports/:port", a.authorized("ports", a.portInfo))

	router.GET("/ws", a.authorized("ws", a.websocket))
	router.POST("/broadcast", a.authorized("broadcast", a.broadcast))
}

// Run runs the agent and returns once it has stopped.
func (a *Agent) Run() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if a.tlsConfig != nil {
		listener = tls.NewListener(listener, a.tlsConfig)
	}
	a.logger.Infow("listening", "Addr", listener.Addr().String(), "TLS", a.tlsConfig != nil, "CommandMode", a.cfg.CommandMode())

	err = a.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener, every open websocket and the rate limiter's cache.
func (a *Agent) Stop() error {
	err := a.httpServer.Close()
	a.hub.CloseAll()
	if a.limiter != nil {
		a.limiter.stop()
	}
	return err
}

type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

func (a *Agent) root(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, RootResponse{Name: Name, Version: Version, Status: "operational"})
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version"`
}

func (a *Agent) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   Name,
		Version:   Version,
	})
}

func (a *Agent) pkill(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	res, err := a.dispatcher.KillByPattern(r.Context(), params.ByName("pattern"))
	if err != nil {
		a.writeError(w, "pkill", err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *Agent) killall(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	res, err := a.dispatcher.KillExact(r.Context(), params.ByName("name"))
	if err != nil {
		a.writeError(w, "killall", err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *Agent) kill(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	pid, err := strconv.Atoi(params.ByName("pid"))
	if err != nil {
		a.writeError(w, "kill", hosterr.New(hosterr.InvalidArgument, "kill", "invalid pid %q", params.ByName("pid")))
		return
	}
	signal := r.URL.Query().Get("signal_type")
	if signal == "" {
		signal = "TERM"
	}
	res, err := a.dispatcher.KillByPID(r.Context(), pid, signal)
	if err != nil {
		a.writeError(w, "kill", err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

type ProcessesResponse struct {
	TotalProcesses int              `json:"total_processes"`
	Processes      []process.Record `json:"processes"`
}

func (a *Agent) processes(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	limit := a.cfg.Limits.ProcessList
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			a.writeError(w, "processes", hosterr.New(hosterr.InvalidArgument, "processes", "invalid limit %q", s))
			return
		}
		limit = n
	}
	records, err := a.locator.ListAll(r.Context(), limit)
	if err != nil {
		a.writeError(w, "processes", err)
		return
	}
	a.writeJSON(w, http.StatusOK, ProcessesResponse{TotalProcesses: len(records), Processes: records})
}

type SearchResponse struct {
	Pattern    string           `json:"pattern"`
	TotalFound int              `json:"total_found"`
	Processes  []process.Record `json:"processes"`
}

func (a *Agent) search(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	pattern := params.ByName("pattern")
	records, err := a.locator.FindByPattern(r.Context(), pattern)
	if err != nil {
		a.writeError(w, "search", err)
		return
	}
	a.writeJSON(w, http.StatusOK, SearchResponse{Pattern: pattern, TotalFound: len(records), Processes: records})
}

func (a *Agent) systemStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, a.stats.Collect(r.Context()))
}

func (a *Agent) service(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	res, err := a.services.Manage(r.Context(), params.ByName("action"), params.ByName("name"))
	if err != nil {
		a.writeError(w, "service", err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

type CommandRequest struct {
	Cmd string `json:"cmd"`
}

func (a *Agent) command(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req CommandRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	err := dec.Decode(&req)
	if err != nil {
		a.writeError(w, "command", hosterr.Wrap(hosterr.InvalidArgument, "command", fmt.Errorf("decoding request body: %w", err)))
		return
	}
	res, err := a.gateway.Execute(r.Context(), req.Cmd)
	if err != nil {
		a.writeError(w, "command", err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

type WhitelistResponse struct {
	Mode     command.Mode `json:"mode"`
	Commands []string     `json:"commands"`
}

func (a *Agent) whitelist(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, WhitelistResponse{Mode: a.cfg.CommandMode(), Commands: a.gateway.Whitelist()})
}

func (a *Agent) portInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, a.ports.Inspect(r.Context(), params.ByName("port")))
}
