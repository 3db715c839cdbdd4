package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"facekiosk/internal/attendance"
	"facekiosk/internal/cloudinary"
	"facekiosk/internal/config"
	"facekiosk/internal/queue"
	"facekiosk/internal/snapshot"
	"facekiosk/internal/store"
)

// Worker consumes attendance.marked messages from Redis and attaches the
// confirming frame to the record as a Cloudinary snapshot.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := cfg.NewLogger().With("component", "worker")

	if cfg.QueueBackend == "memory" {
		log.Error("QUEUE_BACKEND=memory runs snapshots inside the api process; nothing to do here")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := store.NewRedis(cfg.RedisAddr)
	defer rdb.Close()

	var up snapshot.Uploader
	if cfg.Cloudinary.Enabled() {
		up = cloudinary.New(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder)
		log.Info("cloudinary configured", "cloud", cfg.Cloudinary.CloudName)
	} else {
		log.Info("cloudinary not configured, snapshots are skipped")
	}

	w := snapshot.NewWorker(up, attendance.NewRepository(db.Client), log)
	log.Info("worker started, waiting for messages")
	if err := w.Run(ctx, queue.NewRedisQueue(rdb.Client, queue.DefaultKey)); err != nil {
		log.Error("queue consume failed", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}
