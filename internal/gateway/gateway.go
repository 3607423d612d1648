// ABOUTME: Gateway orchestrator that wires the bridge to its listeners
// ABOUTME: Manages the appservice and agent servers, store and shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/matrix-wechat/internal/agent"
	"github.com/2389/matrix-wechat/internal/appservice"
	"github.com/2389/matrix-wechat/internal/bridge"
	"github.com/2389/matrix-wechat/internal/config"
	"github.com/2389/matrix-wechat/internal/matrix"
	"github.com/2389/matrix-wechat/internal/provisioning"
	"github.com/2389/matrix-wechat/internal/retry"
	"github.com/2389/matrix-wechat/internal/store"
)

// Gateway orchestrates the bridge's server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	intents      *matrix.Provider
	transport    *agent.Transport
	bridge       *bridge.Bridge
	appservice   *appservice.Server
	provisioning *provisioning.API
	httpServer   *http.Server
	agentServer  *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
}

// initStore opens the configured SQLite database.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.AppService.Database.URI
	if envPath := os.Getenv("MATRIX_WECHAT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.Open(cfg.AppService.Database.Type, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// bridgeOptions maps the bridge section of the config onto bridge options.
func bridgeOptions(cfg *config.Config) bridge.Options {
	bc := cfg.Bridge
	return bridge.Options{
		Domain:              cfg.Homeserver.Domain,
		BotMXID:             id.UserID(cfg.BotMXID()),
		UserPrefix:          bc.UserPrefix,
		CommandPrefix:       bc.CommandPrefix,
		DisplaynameTemplate: bc.DisplaynameTemplate,
		MaxEventAge:         bc.MaxEventAge,
		EncryptionDefault:   bc.Encryption.Allow && bc.Encryption.Default,
		MaxConcurrency:      bc.MaxConcurrency,
		Permissions:         bc.Permissions,
		ReplayWindow:        bc.ReplayWindow,
		ManagementRoomText: bridge.ManagementRoomText{
			Welcome:            bc.ManagementRoomText.Welcome,
			WelcomeConnected:   bc.ManagementRoomText.WelcomeConnected,
			WelcomeUnconnected: bc.ManagementRoomText.WelcomeUnconnected,
		},
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	intents, err := matrix.NewProvider(matrix.ProviderConfig{
		Homeserver:          cfg.Homeserver.Address,
		BotUserID:           id.UserID(cfg.BotMXID()),
		ASToken:             cfg.AppService.ASToken,
		DoublePuppetServers: cfg.Bridge.DoublePuppetServerMap,
		ZeroLogger:          matrix.NewZeroLogger(os.Stdout, cfg.Logging.Level),
		Logger:              logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating matrix intents: %w", err)
	}

	transport := agent.NewTransport(agent.Options{
		Secret:         cfg.Bridge.ListenSecret,
		RequestTimeout: cfg.Bridge.RequestTimeout,
		Logger:         logger.With("component", "agent"),
	})

	b, err := bridge.New(bridgeOptions(cfg), s, intents, transport, logger)
	if err != nil {
		transport.Close()
		_ = s.Close()
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	gw := &Gateway{
		config:    cfg,
		store:     s,
		intents:   intents,
		transport: transport,
		bridge:    b,
		appservice: appservice.New(appservice.Options{
			HSToken:   cfg.AppService.HSToken,
			BotMXID:   id.UserID(cfg.BotMXID()),
			IsGhost:   b.IsGhost,
			TxnWindow: cfg.Bridge.ReplayWindow,
			Logger:    logger,
		}, b),
		provisioning: provisioning.New(cfg.AppService.Provisioning.Prefix, cfg.AppService.Provisioning.SharedSecret, b, logger),
		logger:       logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	gw.appservice.RegisterRoutes(mux)
	gw.provisioning.RegisterRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	agentMux := http.NewServeMux()
	agentMux.Handle("/", transport)
	gw.agentServer = &http.Server{
		Addr:              cfg.Bridge.ListenAddress,
		Handler:           agentMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Bridge exposes the bridge core.
func (g *Gateway) Bridge() *bridge.Bridge { return g.bridge }

// setupTCPListeners creates standard TCP listeners for the appservice and
// agent servers.
func (g *Gateway) setupTCPListeners() (httpLn, agentLn net.Listener, err error) {
	g.logger.Info("starting bridge",
		"appservice_addr", g.httpServer.Addr,
		"agent_addr", g.agentServer.Addr,
	)

	httpLn, err = net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on appservice address: %w", err)
	}

	agentLn, err = net.Listen("tcp", g.agentServer.Addr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on agent address: %w", err)
	}

	return httpLn, agentLn, nil
}

// setupListeners creates listeners based on configuration. The homeserver
// always reaches the appservice over TCP; with Tailscale enabled the agent
// listener is only reachable on the tailnet.
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, agentLn net.Listener, err error) {
	if !g.config.Tailscale.Enabled {
		return g.setupTCPListeners()
	}

	httpLn, err = net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on appservice address: %w", err)
	}
	agentLn, err = g.setupTailscaleListener(ctx)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, err
	}
	return httpLn, agentLn, nil
}

// startServers starts both HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(httpLn, agentLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("appservice server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("appservice server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("agent server listening", "addr", agentLn.Addr().String())
		if err := g.agentServer.Serve(agentLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("agent server: %w", err)
		}
	}()

	return errCh
}

// initBot registers the bridge bot and applies its profile. Failures are
// logged; the homeserver may not be reachable yet.
func (g *Gateway) initBot(ctx context.Context) {
	as := g.config.AppService
	if err := g.intents.EnsureBotRegistered(ctx); err != nil {
		g.logger.Warn("failed to register bridge bot", "error", err)
		return
	}
	bot := g.intents.Bot()
	if as.BotDisplayname != "" && as.BotDisplayname != "remove" {
		if err := bot.SetDisplayName(ctx, as.BotDisplayname); err != nil {
			g.logger.Warn("failed to set bot displayname", "error", err)
		}
	}
	if strings.HasPrefix(as.BotAvatar, "mxc://") {
		if err := bot.SetAvatarURL(ctx, id.ContentURIString(as.BotAvatar)); err != nil {
			g.logger.Warn("failed to set bot avatar", "error", err)
		}
	}
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the listeners and the bridge and blocks until the context is
// canceled. Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, agentListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(httpListener, agentListener)

	g.initBot(ctx)
	if err := g.bridge.Start(ctx); err != nil {
		_ = g.gracefulShutdown()
		return fmt.Errorf("starting bridge: %w", err)
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "matrix-wechat", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// tailnetPort keeps only the port of listen_address; tsnet binds its own IPs.
func tailnetPort(listenAddr string) string {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil || port == "" {
		return ":20572"
	}
	return ":" + port
}

// setupTailscaleListener starts a tsnet node and listens for the agent on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", tailnetPort(g.config.Bridge.ListenAddress))
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale agent port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down bridge")

	var errs []error
	errs = appendCloseError(errs, "appservice shutdown", g.httpServer.Shutdown(ctx))

	// Agent connections are hijacked websockets; Shutdown does not wait for
	// them, closing the transport does.
	g.transport.Close()
	errs = appendCloseError(errs, "agent shutdown", g.agentServer.Shutdown(ctx))

	g.bridge.Stop()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the WeChat agent is connected. Otherwise
// the body names the link state.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	switch g.transport.State() {
	case retry.StateConnected:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	case retry.StateReconnecting:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("agent reconnecting"))
	case retry.StateFailed:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("agent failed to reconnect"))
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("agent not connected"))
	}
}

var _ provisioning.Bridge = (*bridge.Bridge)(nil)
