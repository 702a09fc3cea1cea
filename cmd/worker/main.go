package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sf7293/task-relay/configs"
	"github.com/sf7293/task-relay/pkg/process"
	"github.com/sf7293/task-relay/pkg/relayclient"
)

var relayIsReady bool

func main() {
	cfg := configs.InitConfig()
	slog.SetDefault(cfg.NewLogger())

	proc, err := process.NewProcess(cfg.Worker.Process)
	if err != nil {
		log.Fatal(err)
	}

	client := relayclient.New(cfg.Worker.RelayURL)
	w := &worker{
		client:         client,
		process:        proc,
		id:             cfg.Worker.ID,
		name:           cfg.Worker.Name,
		preferReadOnly: cfg.Worker.PreferReadOnly,
		poll:           time.Duration(cfg.Worker.PollSeconds) * time.Second,
		heartbeat:      time.Duration(cfg.Worker.HeartbeatSeconds) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Worker.HealthPort != "" {
		go setUpHealthCheckerAPIs(ctx, cfg.Worker.HealthPort, client)
	}

	slog.Info("Worker is running. To exit press CTRL+C", "relay_url", cfg.Worker.RelayURL, "process", cfg.Worker.Process)
	relayIsReady = true
	if err := w.run(ctx); err != nil {
		log.Fatal(err)
	}
	slog.Info("Worker is shutting down...", "consumer_id", w.id)
}

func setUpHealthCheckerAPIs(ctx context.Context, port string, client *relayclient.Client) {
	r := gin.Default()
	r.GET("/readiness", func(c *gin.Context) {
		if relayIsReady {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
	})
	r.GET("/liveness", func(c *gin.Context) {
		if _, err := client.LockStatus(c); err != nil {
			slog.Error("Relay seems not to be reachable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		log.Printf("Starting health server on port %s\n", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
