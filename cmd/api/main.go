//	@title			Uploader API
//	@version		1.0
//	@description	Streams multipart file uploads into S3-compatible object storage.
//
//	@host		localhost:3000
//	@BasePath	/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT Bearer token. Format: **Bearer {token}**

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/radif/uploader/internal/config"
	"github.com/radif/uploader/internal/filename"
	"github.com/radif/uploader/internal/ratelimit"
	"github.com/radif/uploader/internal/server"
	"github.com/radif/uploader/internal/storage"
	"github.com/radif/uploader/internal/upload"

	_ "github.com/radif/uploader/docs/swagger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()

	store, err := newStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("object storage init failed", slog.Any("error", err))
		os.Exit(1)
	}

	normalizer, err := filename.New(cfg.Upload.AllowedScripts...)
	if err != nil {
		logger.Error("filename normalizer", slog.Any("error", err))
		os.Exit(1)
	}

	policy, err := upload.ParseKeyPolicy(cfg.Upload.KeyPolicy)
	if err != nil {
		logger.Error("key policy", slog.Any("error", err))
		os.Exit(1)
	}

	// Wire dependencies: store → service → handler
	uploadSvc := upload.NewService(store, upload.Options{
		Normalizer:      normalizer,
		Keys:            upload.KeyGenerator{Prefix: cfg.Upload.KeyPrefix, Policy: policy},
		ContentTypes:    upload.ContentTypePolicy(cfg.Upload.ContentType),
		TransferTimeout: cfg.Upload.TransferTimeout,
		Logger:          logger,
	})
	uploadHandler := upload.NewHandler(uploadSvc, upload.HandlerConfig{
		FieldName:    cfg.Upload.Field,
		MaxBytes:     cfg.Upload.MaxBytes,
		ExposeErrors: cfg.Upload.ExposeErrors,
		Logger:       logger,
	})

	deps := server.Deps{
		Upload:    uploadHandler,
		Logger:    logger,
		JWTSecret: cfg.JWTSecret,
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The limiter fails open, so an unreachable Redis is not fatal.
			logger.Warn("redis unreachable, rate limit will fail open", slog.Any("error", err))
		}
		deps.Limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimit, cfg.RateLimit)
	}
	if cfg.JWTSecret != "" {
		logger.Info("upload route requires a bearer token")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.NewRouter(deps),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// Uploads stream for as long as the client sends; only bound the
	// connection when a transfer timeout bounds the upload itself.
	if t := cfg.Upload.TransferTimeout; t > 0 {
		srv.ReadTimeout = t + 30*time.Second
		srv.WriteTimeout = t + 30*time.Second
	}

	// Start server in goroutine; wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening",
			slog.String("addr", srv.Addr),
			slog.String("env", cfg.AppEnv),
			slog.String("storage", cfg.Storage.Driver),
			slog.String("bucket", cfg.Storage.Bucket),
		)
		logger.Info(fmt.Sprintf("swagger UI at http://localhost:%s/swagger/", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", slog.Any("error", err))
		return
	}

	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	sc := cfg.Storage
	switch sc.Driver {
	case config.DriverMinio:
		store, err := storage.NewMinioStorage(ctx, storage.MinioConfig{
			Endpoint:   sc.Endpoint,
			AccessKey:  sc.AccessKeyID,
			SecretKey:  sc.SecretAccessKey,
			Region:     sc.Region,
			Bucket:     sc.Bucket,
			UseSSL:     sc.UseSSL,
			PublicBase: sc.PublicBase,
			PublicRead: sc.PublicRead,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverS3:
		store, err := storage.NewS3Storage(ctx, storage.S3Config{
			Region:          sc.Region,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			Bucket:          sc.Bucket,
			Endpoint:        sc.Endpoint,
			UsePathStyle:    sc.PathStyle,
			PublicBase:      sc.PublicBase,
			MaxRetries:      sc.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}
