package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/ragdesk/internal/config"
	"github.com/zhouzirui/ragdesk/internal/handler"
	"github.com/zhouzirui/ragdesk/internal/logger"
	"github.com/zhouzirui/ragdesk/internal/orchestrator"
)

const defaultGatewayAddr = ":8090"

func main() {
	envFile := flag.String("env", ".env", "path to a .env file")
	serve := flag.Bool("serve", false, "run only the HTTP gateway, without the interactive prompt")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load(*envFile)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if envErr != nil {
		log.Debug("no .env file loaded, using system environment only", zap.String("path", *envFile), zap.Error(envErr))
	}

	app, err := orchestrator.New(orchestrator.Options{Config: cfg, Logger: log})
	if err != nil {
		log.Fatal("failed to build client", zap.Error(err))
	}
	log.Info("ragdesk starting", zap.String("backend", app.BackendURL()))

	addr := cfg.Gateway.Addr
	if *serve && addr == "" {
		addr = defaultGatewayAddr
	}

	if *serve {
		startServer(ctx, log, addr, handler.NewRouter(app, log))
		return
	}

	if addr != "" {
		go startServer(ctx, log, addr, handler.NewRouter(app, log))
	}

	repl := NewREPL(app, os.Stdin, os.Stdout)
	if err := repl.Run(ctx); err != nil {
		log.Error("prompt stopped", zap.Error(err))
	}
}

func startServer(ctx context.Context, log *zap.Logger, addr string, router http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// event streams end when the process is asked to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log.Info("ragdesk gateway listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		log.Error("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
