package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"festival-booking/config"
	"festival-booking/internal/handlers"
	"festival-booking/security"
	"festival-booking/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.IsDevelopment(),
	})
	app.RootCmd.AddCommand(newSweepCommand(app, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	go handleShutdown(cancel)

	var d *deps
	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		var err error
		d, err = buildDeps(ctx, app, cfg, prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}

		// Start background tasks
		go d.sweeper.Start(ctx)
		go d.coord.ListenSettlements(ctx, d.settlements)
		if cfg.EnableMetrics {
			go d.monitor.Start(ctx, 15*time.Second)
			go serveMetrics(ctx, app.Logger(), cfg.MetricsPort)
		}

		registerRoutes(se, d, cfg, app.Logger())
		app.Logger().Info("Server routes registered")

		return se.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		cancel()
		if d != nil {
			d.close(context.Background(), app.Logger())
		}
		return e.Next()
	})

	// Start server
	return app.Start()
}

func registerRoutes(se *core.ServeEvent, d *deps, cfg *config.Config, log *slog.Logger) {
	limit := cfg.RateLimitPerMinute
	if d.redis == nil {
		limit = 0
	}
	limiter := security.NewRateLimiter(d.redis, limit, time.Minute,
		security.WithRecorder(d.monitor),
		security.WithLogger(log),
	)

	simulator, _ := d.gateway.Unwrap().(handlers.Simulator)
	reservationHandler := handlers.NewReservationHandler(d.coord, log)
	paymentHandler := handlers.NewPaymentHandler(d.coord, cfg.WebhookSecret, simulator, log)
	adminHandler := handlers.NewAdminHandler(d.catalog, log)

	api := se.Router.Group("/api/v1")
	api.BindFunc(limiter.AntiBot())

	// Reservation endpoints
	api.POST("/reservations", reservationHandler.Create).BindFunc(limiter.Limit())
	api.GET("/reservations", reservationHandler.List)
	api.GET("/reservations/{id}", reservationHandler.Get)
	api.POST("/reservations/{id}/confirm", reservationHandler.Confirm).BindFunc(limiter.Limit())
	api.POST("/reservations/{id}/cancel", reservationHandler.Cancel).BindFunc(limiter.Limit())
	api.POST("/reservations/{id}/complete", reservationHandler.Complete)
	api.GET("/host/reservations", reservationHandler.ListHost)

	// Payment endpoints
	api.POST("/payments/webhook", paymentHandler.Webhook)

	// Catalog endpoints
	api.POST("/admin/resources", adminHandler.CreateResource)
	api.POST("/admin/resources/{id}/status", adminHandler.UpdateResourceStatus)
	api.POST("/admin/resources/{id}/units", adminHandler.CreateUnit)
	api.DELETE("/admin/units/{id}", adminHandler.DeleteUnit)
	api.GET("/resources/{id}/units", adminHandler.ListUnits)

	// Test endpoint for payment simulation
	if cfg.IsDevelopment() {
		api.POST("/test/simulate-settlement", paymentHandler.SimulateSettlement)
	}

	// Health check
	se.Router.GET("/health", func(e *core.RequestEvent) error {
		if d.redis != nil {
			if err := utils.RedisHealthCheck(e.Request.Context(), d.redis); err != nil {
				return e.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
		}
		return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
}

func serveMetrics(ctx context.Context, log *slog.Logger, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", "error", err)
	}
}

// handleShutdown stops background work on SIGINT or SIGTERM.
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Shutdown signal received, cleaning up...")
	cancel()
}
