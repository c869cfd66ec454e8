package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mark3labs/mcp-go/util"

	"github.com/Schmoll86/sumppump-mcp-server/app/metrics"
	"github.com/Schmoll86/sumppump-mcp-server/app/ops"
	"github.com/Schmoll86/sumppump-mcp-server/ib"
	"github.com/Schmoll86/sumppump-mcp-server/ib/paper"
	"github.com/Schmoll86/sumppump-mcp-server/mcp"
	"github.com/Schmoll86/sumppump-mcp-server/tws"
	"github.com/Schmoll86/sumppump-mcp-server/web"
)

// App represents the main application structure
type App struct {
	Config    *Config
	Version   string
	startTime time.Time
	manager   *tws.Manager
	gateway   ib.Gateway
	logger    *slog.Logger
	metrics   *metrics.Manager
	logBuffer *ops.LogBuffer
}

// Config holds the application configuration
type Config struct {
	AppMode string
	AppPort string
	AppHost string

	TwsHost     string
	TwsPort     int
	TwsClientID int
	TwsAccount  string

	UseDelayedData bool
	MaxDataLines   int
	GatewayMode    string

	ExcludedTools string
}

// Server mode constants
const (
	ModeSSE    = "sse"    // Server-Sent Events mode
	ModeStdIO  = "stdio"  // Standard IO mode
	ModeHTTP   = "http"   // Streamable HTTP mode for MCP endpoint
	ModeHybrid = "hybrid" // Combined mode with both SSE and MCP endpoints

	GatewayPaper    = "paper"    // in-process simulated gateway
	GatewayExternal = "external" // gateway adapter injected via SetGateway

	DefaultPort     = "8080"
	DefaultHost     = "localhost"
	DefaultAppMode  = "stdio"
	DefaultTwsHost  = "127.0.0.1"
	DefaultTwsPort  = 7497
	DefaultClientID = 5
)

// NewApp creates a new application instance with logger
func NewApp(logger *slog.Logger) *App {
	return &App{
		Config: &Config{
			AppMode: os.Getenv("APP_MODE"),
			AppPort: os.Getenv("APP_PORT"),
			AppHost: os.Getenv("APP_HOST"),

			TwsHost:     os.Getenv("TWS_HOST"),
			TwsPort:     envInt("TWS_PORT", 0),
			TwsClientID: envInt("TWS_CLIENT_ID", 0),
			TwsAccount:  os.Getenv("TWS_ACCOUNT"),

			UseDelayedData: envBool("USE_DELAYED_DATA"),
			MaxDataLines:   envInt("MAX_DATA_LINES", 0),
			GatewayMode:    os.Getenv("GATEWAY_MODE"),

			ExcludedTools: os.Getenv("EXCLUDED_TOOLS"),
		},
		Version:   "v0.0.0", // Ideally injected at build time
		startTime: time.Now(),
		logger:    logger,
		metrics: metrics.New(metrics.Config{
			ServiceName: "sumppump-mcp-server",
		}),
	}
}

// envInt reads an integer environment variable, falling back on def.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envBool treats "1", "true", and "yes" as true.
func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes":
		return true
	}
	return false
}

// SetVersion sets the server version
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetLogBuffer sets the log buffer for the ops log stream.
func (app *App) SetLogBuffer(buf *ops.LogBuffer) {
	app.logBuffer = buf
}

// SetGateway injects a gateway adapter, used with GATEWAY_MODE=external.
func (app *App) SetGateway(gw ib.Gateway) {
	app.gateway = gw
}

// LoadConfig loads and validates the application configuration
func (app *App) LoadConfig() error {
	if app.Config.AppMode == "" {
		app.Config.AppMode = DefaultAppMode
	}
	if app.Config.AppPort == "" {
		app.Config.AppPort = DefaultPort
	}
	if app.Config.AppHost == "" {
		app.Config.AppHost = DefaultHost
	}

	if app.Config.TwsHost == "" {
		app.Config.TwsHost = DefaultTwsHost
	}
	if app.Config.TwsPort == 0 {
		app.Config.TwsPort = DefaultTwsPort
	}
	if app.Config.TwsClientID == 0 {
		app.Config.TwsClientID = DefaultClientID
	}
	if app.Config.MaxDataLines == 0 {
		app.Config.MaxDataLines = ib.DefaultDataLineCeiling
	}

	switch app.Config.GatewayMode {
	case "":
		app.Config.GatewayMode = GatewayPaper
	case GatewayPaper, GatewayExternal:
	default:
		return fmt.Errorf("invalid GATEWAY_MODE: %s (want %s or %s)", app.Config.GatewayMode, GatewayPaper, GatewayExternal)
	}

	if app.Config.GatewayMode == GatewayExternal && app.gateway == nil {
		return fmt.Errorf("GATEWAY_MODE=external requires a gateway adapter; call SetGateway before RunServer")
	}

	return nil
}

// RunServer initializes and starts the server based on the configured mode
func (app *App) RunServer() error {
	url := app.buildServerURL()

	manager, mcpServer, err := app.initializeServices()
	if err != nil {
		return err
	}

	srv := app.createHTTPServer(url)
	app.setupGracefulShutdown(srv, manager)

	return app.startServer(srv, manager, mcpServer, url)
}

// buildServerURL constructs the server URL from host and port
func (app *App) buildServerURL() string {
	return app.Config.AppHost + ":" + app.Config.AppPort
}

// initializeServices creates the gateway, the trading manager, and the MCP server
func (app *App) initializeServices() (*tws.Manager, *server.MCPServer, error) {
	gateway := app.gateway
	if gateway == nil {
		app.logger.Info("Using in-process paper gateway", "account", "PAPER0001")
		gateway = paper.New()
	}

	app.logger.Info("Creating trading manager...",
		"host", app.Config.TwsHost, "port", app.Config.TwsPort,
		"client_id", app.Config.TwsClientID, "delayed", app.Config.UseDelayedData)
	manager, err := tws.New(tws.Config{
		Host:       app.Config.TwsHost,
		Port:       app.Config.TwsPort,
		ClientID:   app.Config.TwsClientID,
		Account:    app.Config.TwsAccount,
		UseDelayed: app.Config.UseDelayedData,
		DataLines:  app.Config.MaxDataLines,
		Gateway:    gateway,
		Logger:     app.logger,
		Metrics:    app.metrics,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trading manager: %w", err)
	}
	app.manager = manager

	// Connect eagerly but tolerate failure: tool calls reconnect on demand.
	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Connect(connectCtx); err != nil {
		app.logger.Warn("Gateway not reachable at startup, will retry on first tool call", "error", err)
	}

	app.logger.Info("Creating MCP server...")
	mcpServer := server.NewMCPServer(
		"SumpPump MCP Server",
		app.Version,
	)

	app.logger.Info("Registering MCP tools...")
	mcp.RegisterTools(mcpServer, manager, app.Config.ExcludedTools, app.logger)

	return manager, mcpServer, nil
}

// createHTTPServer creates and configures the HTTP server
func (app *App) createHTTPServer(url string) *http.Server {
	return &http.Server{
		Addr:              url,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      120 * time.Second,
	}
}

// setupGracefulShutdown configures graceful shutdown for the server
func (app *App) setupGracefulShutdown(srv *http.Server, manager *tws.Manager) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	go func() {
		defer stop()
		<-ctx.Done()
		app.logger.Info("Shutting down server...")

		// Shutdown HTTP server first (stop accepting new requests)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("Server shutdown error", "error", err)
		}

		// Then shut down the trading manager (cancels data lines, disconnects)
		manager.Shutdown()

		app.logger.Info("Server shutdown complete")
	}()
}

// startServer selects the appropriate server mode to start
func (app *App) startServer(srv *http.Server, manager *tws.Manager, mcpServer *server.MCPServer, url string) error {
	switch app.Config.AppMode {
	default:
		return fmt.Errorf("invalid APP_MODE: %s", app.Config.AppMode)

	case ModeHybrid:
		app.startHybridServer(srv, manager, mcpServer, url)

	case ModeStdIO:
		app.startStdIOServer(srv, manager, mcpServer)

	case ModeSSE:
		app.startSSEServer(srv, manager, mcpServer, url)

	case ModeHTTP:
		app.startHTTPServer(srv, manager, mcpServer, url)
	}

	return nil
}

// setupMux creates and configures a new HTTP mux with common handlers
func (app *App) setupMux(manager *tws.Manager) *http.ServeMux {
	mux := http.NewServeMux()

	// Ops surface is rate limited per client IP. MCP endpoints are not:
	// the transport keeps its own long-lived connections.
	limiter := web.NewRateLimiter(5, 10)

	mux.Handle("/metrics", limiter.Middleware(app.metrics.Handler()))
	mux.Handle("/health", limiter.Middleware(app.serveHealth(manager)))

	opsMux := http.NewServeMux()
	opsHandler := ops.New(manager, app.logBuffer, app.logger, app.Version, app.startTime)
	opsHandler.RegisterRoutes(opsMux)
	mux.Handle("/ops/", limiter.Middleware(opsMux))

	app.serveStatusPage(mux)
	return mux
}

// serveHealth reports liveness plus gateway reachability.
func (app *App) serveHealth(manager *tws.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := manager.Session()
		status := http.StatusOK
		if !session.Healthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status":        http.StatusText(status),
			"session_state": session.State().String(),
		})
	}
}

// serveHTTPServer starts the HTTP server with error handling
func (app *App) serveHTTPServer(srv *http.Server) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error("HTTP server error", "error", err)
	}
}

// createSSEServer creates and configures an SSE server
func (app *App) createSSEServer(mcpServer *server.MCPServer, url string) *server.SSEServer {
	return server.NewSSEServer(mcpServer,
		server.WithBaseURL(url),
		server.WithKeepAlive(true),
	)
}

// createStreamableHTTPServer creates and configures a streamable HTTP server
func (app *App) createStreamableHTTPServer(mcpServer *server.MCPServer) *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(mcpServer,
		server.WithLogger(util.DefaultLogger()),
	)
}

// withSessionType adds session type to context based on URL path
func withSessionType(sessionType string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := mcp.WithSessionType(r.Context(), sessionType)
		r = r.WithContext(ctx)
		handler(w, r)
	}
}

// registerSSEEndpoints registers SSE-specific endpoints on the mux
func (app *App) registerSSEEndpoints(mux *http.ServeMux, sse *server.SSEServer) {
	mux.HandleFunc("/sse", withSessionType(mcp.SessionTypeSSE, sse.ServeHTTP))
	mux.HandleFunc("/message", withSessionType(mcp.SessionTypeSSE, sse.ServeHTTP))
}

// configureAndStartServer sets up server handler and starts it
func (app *App) configureAndStartServer(srv *http.Server, mux *http.ServeMux) {
	srv.Handler = mux
	app.serveHTTPServer(srv)
}

// startHybridServer starts a server with both SSE and MCP endpoints
func (app *App) startHybridServer(srv *http.Server, manager *tws.Manager, mcpServer *server.MCPServer, url string) {
	app.logger.Info("Starting Hybrid MCP server with both SSE and MCP endpoints", "url", "http://"+url)

	sse := app.createSSEServer(mcpServer, url)
	streamable := app.createStreamableHTTPServer(mcpServer)

	mux := app.setupMux(manager)
	app.registerSSEEndpoints(mux, sse)
	mux.HandleFunc("/mcp", withSessionType(mcp.SessionTypeMCP, streamable.ServeHTTP))

	app.logger.Info("SSE endpoints available", "url", fmt.Sprintf("http://%s/sse and http://%s/message", url, url))
	app.logger.Info("MCP endpoint available", "url", fmt.Sprintf("http://%s/mcp", url))

	app.configureAndStartServer(srv, mux)
}

// startStdIOServer starts a server in STDIO mode
func (app *App) startStdIOServer(srv *http.Server, manager *tws.Manager, mcpServer *server.MCPServer) {
	app.logger.Info("Starting STDIO MCP server...")
	stdio := server.NewStdioServer(mcpServer)

	// HTTP side still serves /metrics, /health, and the ops endpoints.
	mux := app.setupMux(manager)
	go app.configureAndStartServer(srv, mux)

	ctx := context.Background()
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		app.logger.Error("STDIO server error", "error", err)
	}
}

// startSSEServer starts a server in SSE mode
func (app *App) startSSEServer(srv *http.Server, manager *tws.Manager, mcpServer *server.MCPServer, url string) {
	app.logger.Info("Starting SSE MCP server", "url", "http://"+url)
	sse := app.createSSEServer(mcpServer, url)

	mux := app.setupMux(manager)
	app.registerSSEEndpoints(mux, sse)

	app.configureAndStartServer(srv, mux)
}

// startHTTPServer starts a server in HTTP mode
func (app *App) startHTTPServer(srv *http.Server, manager *tws.Manager, mcpServer *server.MCPServer, url string) {
	app.logger.Info("Starting Streamable HTTP MCP server", "url", "http://"+url)
	streamable := app.createStreamableHTTPServer(mcpServer)

	mux := app.setupMux(manager)
	mux.HandleFunc("/mcp", withSessionType(mcp.SessionTypeMCP, streamable.ServeHTTP))

	app.configureAndStartServer(srv, mux)
}

// serveStatusPage configures the HTTP mux to serve a plain status line at root
func (app *App) serveStatusPage(mux *http.ServeMux) {
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("Not Found"))
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "SumpPump MCP Server %s (mode: %s)\n", app.Version, app.Config.AppMode)
	})
}
