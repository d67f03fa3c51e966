package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/hebe/internal/sandbox"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("sandbox exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ─────────────────────────────────────────────────────────
	viper.SetConfigName("sandbox")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("sandbox.http_port", 8080)
	viper.SetDefault("sandbox.base_url", "")
	viper.SetDefault("sandbox.page_limit", 500)
	viper.SetDefault("sandbox.rate_limit_rps", 20.0)
	viper.SetDefault("sandbox.rate_limit_burst", 40)
	viper.SetDefault("sandbox.cors_origins", []string{})

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	httpPort := viper.GetInt("sandbox.http_port")
	baseURL := viper.GetString("sandbox.base_url")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", httpPort)
	}

	// ── Sandbox backend ───────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := sandbox.New(sandbox.Config{
		BaseURL:        baseURL,
		PageLimit:      viper.GetInt("sandbox.page_limit"),
		RateLimitRPS:   viper.GetFloat64("sandbox.rate_limit_rps"),
		RateLimitBurst: viper.GetInt("sandbox.rate_limit_burst"),
		CORSOrigins:    viper.GetStringSlice("sandbox.cors_origins"),
	}, sandbox.Seed(time.Now()), logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("sandbox listening",
			zap.Int("port", httpPort),
			zap.String("base_url", baseURL),
			zap.String("token", sandbox.SeedToken),
			zap.String("symbol", sandbox.SeedSymbol),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP serve error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down sandbox...")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("sandbox stopped")
	return nil
}
