package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gridpresence/admin"
	"gridpresence/auth"
	"gridpresence/config"
	"gridpresence/directory"
	"gridpresence/logger"
	"gridpresence/metrics"
	"gridpresence/server"
	"gridpresence/world"
)

const shutdownTimeout = 5 * time.Second

// gridpresence 入口：client 模式运行无界面客户端，server 模式运行参考服务端
func main() {
	var cfgPath, mode string
	flag.StringVar(&cfgPath, "config", "", "YAML config file; env vars override it")
	flag.StringVar(&mode, "mode", "client", "client | server")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if err := logger.Init(logger.Options{FilePath: cfg.LogFile, Level: cfg.LogLevel}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()
	log := logger.Log.With("mode", mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "client":
		err = runClient(ctx, cfg, log)
	case "server":
		err = runServer(ctx, cfg, log)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		log.Errorf("exit: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	log.Info("bye")
}

func openDirectory(cfg config.Config, log *zap.SugaredLogger) (*directory.Directory, error) {
	if cfg.DirectoryDB == "" {
		return nil, nil
	}
	dir, err := directory.Open(cfg.DirectoryDB)
	if err != nil {
		return nil, fmt.Errorf("open directory %s: %w", cfg.DirectoryDB, err)
	}
	log.Infof("directory opened: %s", cfg.DirectoryDB)
	return dir, nil
}

func runClient(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (err error) {
	dir, err := openDirectory(cfg, log)
	if err != nil {
		return err
	}

	opts := world.FromConfig(cfg)
	opts.Credentials = auth.Static(cfg.Token)
	if cfg.TokenFile != "" {
		opts.Credentials = auth.File(cfg.TokenFile)
	}
	if dir != nil {
		opts.Directory = dir
		defer func() { err = multierr.Append(err, dir.Close()) }()
	}
	opts.Logger = log
	opts.Metrics = &metrics.ClientMetrics{}

	rt, err := world.New(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.AdminAddr, Handler: admin.New(rt, log).Routes()}
	go func() {
		log.Infof("admin listening on %s", cfg.AdminAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("admin listen: %v", err)
		}
	}()

	runErr := rt.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Append(runErr, srv.Shutdown(shutdownCtx))
}

func runServer(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (err error) {
	if cfg.JWTSecret == "" {
		return errors.New("jwt_secret is required in server mode")
	}
	dir, err := openDirectory(cfg, log)
	if err != nil {
		return err
	}

	opts := server.Options{
		Bounds:   cfg.Bounds(),
		Verifier: auth.NewVerifier(cfg.JWTSecret, nil),
		Metrics:  &metrics.ServerMetrics{},
		Logger:   log,
		Seed:     time.Now().UnixNano(),
	}
	if dir != nil {
		opts.Profiles = dir
		defer func() { err = multierr.Append(err, dir.Close()) }()
	}
	s, err := server.New(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.ServeAddr, Handler: s.Handler()}
	errc := make(chan error, 1)
	go func() {
		log.Infof("presence server listening on %s", cfg.ServeAddr)
		errc <- srv.ListenAndServe()
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-errc:
		if errors.Is(listenErr, http.ErrServerClosed) {
			listenErr = nil
		}
	}
	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Combine(listenErr, srv.Shutdown(shutdownCtx), s.Close())
}
