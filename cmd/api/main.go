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

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"facekiosk/internal/attendance"
	"facekiosk/internal/auth"
	"facekiosk/internal/camera"
	"facekiosk/internal/cloudinary"
	"facekiosk/internal/config"
	"facekiosk/internal/debounce"
	"facekiosk/internal/detection"
	"facekiosk/internal/faceclient"
	"facekiosk/internal/handler"
	"facekiosk/internal/httpmiddleware"
	"facekiosk/internal/kiosk"
	"facekiosk/internal/queue"
	"facekiosk/internal/snapshot"
	"facekiosk/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := cfg.NewLogger()
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.App, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb := store.NewRedis(cfg.RedisAddr)
	defer rdb.Close()
	if err := rdb.Ping(ctx); err != nil {
		log.Warn("redis not reachable, cache and locks degrade to no-ops", "error", err)
	}

	clock := clockwork.NewRealClock()
	repo := attendance.NewRepository(db.Client)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// the in-process queue is drained here instead of by cmd/worker
		mem := queue.NewInMemory(64)
		q = mem
		go func() {
			_ = snapshotWorker(cfg, repo, log).Run(ctx, mem)
		}()
	} else {
		q = queue.NewRedisQueue(rdb.Client, queue.DefaultKey)
	}

	dcfg := debounce.Config{Required: cfg.Kiosk.RequiredDuration, Cooldown: cfg.Kiosk.Cooldown}

	svc := attendance.NewService(repo, attendance.Options{
		RequiredSeconds: dcfg.RequiredSeconds(),
		EmailDomain:     cfg.Kiosk.EmailDomain,
		RecentLimit:     cfg.Kiosk.RecordsLimit,
		Cache:           attendance.NewRedisCache(rdb.Client, 30*time.Second),
		Publisher:       q,
		Logger:          log.With("component", "attendance"),
	})

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if cfg.FaceSkip {
		log.Warn("FACE_SKIP is on: every frame counts as a detected face")
	} else {
		if err := face.Health(ctx); err != nil {
			log.Warn("face service not available", "url", cfg.FaceServiceURL, "error", err)
		}
	}
	detector := detection.NewAdapter(face, cfg.Kiosk.ModelURL, log.With("component", "detection"))
	detector.LoadAsync(ctx)

	var (
		cam    camera.Source
		frames handler.FrameSink
	)
	switch cfg.Kiosk.CameraMode {
	case "snapshot":
		cam = camera.NewSnapshot(cfg.Kiosk.CameraURL, log.With("component", "camera"))
	default:
		push := camera.NewPush(clock, cfg.Kiosk.FrameMaxAge)
		cam, frames = push, push
	}

	k := kiosk.New(cam, detector, svc, kiosk.Options{
		PollInterval: cfg.Kiosk.PollInterval,
		Debounce:     dcfg,
		Clock:        clock,
		Logger:       log.With("component", "kiosk"),
	})
	defer k.Close()

	h := handler.New(handler.Deps{
		Kiosk:   k,
		Frames:  frames,
		Devices: repo,
		Records: repo,
		Issuer:  auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL),
		Checks: map[string]handler.Check{
			"db":    db.Ping,
			"redis": rdb.Ping,
		},
		Logger: log.With("component", "http"),
	})
	router := h.Router(handler.RouterOptions{
		Limiter:     httpmiddleware.NewTokenBucket(clock, cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		LiveLimiter: httpmiddleware.NewTokenBucket(clock, cfg.LiveRateLimit, cfg.LiveRateLimit),
		WebDir:      cfg.WebDir,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr, "camera_mode", cfg.Kiosk.CameraMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", "error", err)
	}
	log.Info("server exited")
	return nil
}

func snapshotWorker(cfg config.App, repo *attendance.Repository, log *slog.Logger) *snapshot.Worker {
	var up snapshot.Uploader
	if cfg.Cloudinary.Enabled() {
		up = cloudinary.New(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder)
	}
	return snapshot.NewWorker(up, repo, log.With("component", "snapshot"))
}
