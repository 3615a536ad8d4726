package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"yar/observability/logging"
	"yar/services/keystore"
)

func main() {
	var listen, database string
	flag.StringVar(&listen, "listen", envOr("YAR_KEYSTORE_LISTEN", "127.0.0.1:8070"), "listen address")
	flag.StringVar(&database, "database", envOr("YAR_KEYSTORE_DATABASE", "keystore.db"), "postgres DSN or sqlite file path")
	flag.Parse()

	logger := logging.Setup("yar-keystore", strings.TrimSpace(os.Getenv("YAR_ENV")))

	db, err := gorm.Open(dialector(database), &gorm.Config{})
	if err != nil {
		logger.Error("database connection error", "error", err)
		os.Exit(1)
	}
	if err := keystore.AutoMigrate(db); err != nil {
		logger.Error("auto migrate error", "error", err)
		os.Exit(1)
	}

	srv := keystore.New(keystore.Config{DB: db, Logger: logger})
	server := &http.Server{
		Addr:              listen,
		Handler:           otelhttp.NewHandler(srv.Handler(), "keystore"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		logger.Info("starting keystore", "address", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}

// dialector picks postgres for URL or key=value DSNs and sqlite otherwise.
func dialector(dsn string) gorm.Dialector {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") || strings.Contains(trimmed, "host=") {
		return postgres.Open(trimmed)
	}
	return sqlite.Open(trimmed)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
