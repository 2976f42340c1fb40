package main

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/config"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/handshake"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/connection"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/handler"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/repository/access"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/repository/cache"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/repository/logger"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/repository/metrics"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/repository/static"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/repository/upstream"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/tunnel"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/usecase"
)

func main() {
	// コンフィグの解析
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Printf("Failed to parse flags: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// ロガーの初期化
	loggerRepo, err := logger.New(
		cfg.Log.Dir,
		cfg.Log.File,
		cfg.Log.Level,
		logger.DefaultRotationConfig(),
	)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer loggerRepo.Close()

	if err := run(cfg, loggerRepo); err != nil {
		loggerRepo.Error("Gateway stopped with error", err, nil)
		loggerRepo.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, loggerRepo *logger.Repository) error {
	// アクセス制御の初期化
	policy := cfg.AccessPolicy()
	if cfg.Gate.OriginsFile != "" {
		origins, err := access.LoadOriginsFile(cfg.Gate.OriginsFile)
		if err != nil {
			return fmt.Errorf("load origins file: %w", err)
		}
		policy.AllowedOrigins = append(policy.AllowedOrigins, origins...)
	}
	accessController := access.New(policy, loggerRepo)

	// メトリクスの初期化
	metricsCollector := metrics.New(cfg.Metrics.File)
	if cfg.Metrics.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Metrics.File), 0755); err != nil {
			return fmt.Errorf("prepare metrics directory: %w", err)
		}
	}

	// キャッシュの初期化
	cacheRepo := cache.New(cfg.Cache.TTL)
	assetUseCase := usecase.NewAssetUseCase(
		cacheRepo,
		upstream.New(cfg.Cache.FetchTimeout),
		metricsCollector,
		loggerRepo,
		usecase.AssetConfig{
			Upstreams:    cfg.Cache.Upstreams,
			MediaType:    upstream.MediaType,
			SingleFlight: cfg.Cache.SingleFlight,
		},
	)

	resolver, err := static.New(cfg.Static.Root, cfg.Static.Extension)
	if err != nil {
		return fmt.Errorf("initialize static resolver: %w", err)
	}

	// ハンドシェイクページ
	content := template.HTML("")
	if cfg.Handshake.ContentFile != "" {
		data, err := os.ReadFile(cfg.Handshake.ContentFile)
		if err != nil {
			return fmt.Errorf("read handshake content: %w", err)
		}
		content = template.HTML(data)
	}
	page := handshake.NewPage(handshake.PageConfig{
		ParentOrigin: cfg.Handshake.ParentOrigin,
		Token:        cfg.Handshake.Token,
		Timeout:      cfg.Handshake.Timeout,
		Content:      content,
	})

	// トンネルの初期化
	connManager := connection.NewManager(cfg.Tunnel.DialTimeout, cfg.Tunnel.MaxLifetime)
	defer connManager.CloseAll()

	var backend *url.URL
	if cfg.Tunnel.Backend != "" {
		backend, err = url.Parse(cfg.Tunnel.Backend)
		if err != nil {
			return fmt.Errorf("parse tunnel backend: %w", err)
		}
	} else {
		loggerRepo.Warn("Tunnel backend not configured, reserved prefix will return 404", map[string]interface{}{
			"prefix": cfg.Tunnel.Prefix,
		})
	}
	tunnelUseCase := usecase.NewTunnelUseCase(metricsCollector, loggerRepo)
	bare := tunnel.New(cfg.Tunnel.Prefix, backend, connManager, tunnelUseCase, loggerRepo)

	users := cfg.Auth.Credentials()
	if len(users) > 0 {
		loggerRepo.Info("Password protection is enabled", map[string]interface{}{
			"users": len(users),
		})
	}

	app := handler.NewApp(handler.AppConfig{
		Gate:           accessController,
		ExemptRoutes:   policy.ExemptRoutes,
		Assets:         assetUseCase,
		CachePrefix:    cfg.Cache.Prefix,
		Resolver:       resolver,
		Routes:         cfg.Static.Routes,
		Handlers:       map[string]handler.RouteHandler{cfg.Handshake.Path: handler.NewCheckHandler(page)},
		ReservedPrefix: cfg.Tunnel.Prefix,
		Users:          users,
		Realm:          cfg.Auth.Realm,
		FallbackFile:   filepath.Join(resolver.Root(), cfg.Static.FallbackFile),
	}, metricsCollector, loggerRepo)

	gateway := handler.NewGateway(bare, app, metricsCollector, loggerRepo)

	// メトリクスのユースケース作成
	metricsUseCase := usecase.NewMetricsUseCase(
		metricsCollector,
		loggerRepo,
		usecase.MetricsConfig{SaveInterval: cfg.Metrics.SaveInterval},
	)
	if err := metricsUseCase.Start(); err != nil {
		return fmt.Errorf("start metrics: %w", err)
	}

	gatewayServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.RequestLogger(loggerRepo, gateway),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var adminServer *http.Server
	if cfg.Admin.Port != 0 {
		metricsHandler := handler.NewMetricsHandler(metricsUseCase, metricsCollector.Registry(), loggerRepo)
		adminServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler:           handler.NewAdminRouter(metricsHandler),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	// シャットダウンハンドラの設定
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 2)

	// サーバーの起動
	go func() {
		loggerRepo.Info("Gateway is running", map[string]interface{}{
			"port":   cfg.Server.Port,
			"stages": app.Stages(),
		})
		if err := gatewayServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	if adminServer != nil {
		go func() {
			loggerRepo.Info("Starting admin server", map[string]interface{}{"port": cfg.Admin.Port})
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	// シグナル待機
	var runErr error
	select {
	case <-ctx.Done():
		loggerRepo.Info("Shutdown signal received", nil)
	case runErr = <-errc:
		loggerRepo.Error("Server error", runErr, nil)
	}

	// グレースフルシャットダウン
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		loggerRepo.Error("Error shutting down gateway server", err, nil)
	}
	// ハイジャック済みの接続は Shutdown の対象外
	connManager.CloseAll()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			loggerRepo.Error("Error shutting down admin server", err, nil)
		}
	}

	if err := metricsUseCase.Stop(); err != nil {
		loggerRepo.Error("Failed to save final metrics", err, nil)
	}

	loggerRepo.Info("Shutdown complete", nil)
	return runErr
}
