package cmd

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/config"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/handlers"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/services/gateway"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/services/gateway/redirectpay"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/status"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/internal/store"
	_ "github.com/reeehaan/online-event-ticket-booking-system-sub001/migrations"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/models"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/monitoring"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/security"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/services"
	"github.com/reeehaan/online-event-ticket-booking-system-sub001/utils"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the payment provider registry
	registry := gateway.NewRegistry()
	if cfg.Gateway.BaseURL != "" {
		provider, err := redirectpay.New(ctx, &redirectpay.Config{
			BaseURL:         cfg.Gateway.BaseURL,
			CheckoutURL:     cfg.Gateway.CheckoutURL,
			MerchantID:      cfg.Gateway.MerchantID,
			ClientID:        cfg.Gateway.ClientID,
			ClientKey:       cfg.Gateway.ClientKey,
			IntegritySecret: cfg.Gateway.IntegritySecret,
			ReturnURL:       cfg.Gateway.ReturnURL,
			CancelURL:       cfg.Gateway.CancelURL,
			NotifyURL:       cfg.Gateway.NotifyURL,
			PNSubKey:        cfg.Gateway.PNSubscribeKey,
			PNSubSecret:     cfg.Gateway.PNSecretKey,
			PNUUID:          cfg.Gateway.PNUUID,
			PNChannel:       cfg.Gateway.PNChannel,

			BreakerTimeout:      cfg.Gateway.BreakerTimeout,
			BreakerMaxRequests:  uint32(cfg.Gateway.BreakerMaxRequests),
			BreakerFailureRatio: cfg.Gateway.BreakerFailureRatio,
		})
		if err != nil {
			return err
		}
		registry.Register(provider)
	}
	defer registry.Close(ctx)

	primary, err := registry.Primary()
	if err != nil {
		return err
	}

	// Initialize services
	orderStore := store.New(app)
	ledgerService := services.NewLedgerService(redisClient)
	notificationService := services.NewNotificationService(orderStore, app.NewMailClient(), services.NotificationConfig{
		SenderName:    cfg.SenderName,
		SenderAddress: cfg.SenderAddress,
		QRServiceURL:  cfg.QRServiceURL,
		MaxAttempts:   cfg.NotificationMaxAttempts,
		RetryBackoff:  cfg.NotificationRetryBackoff,
		RetryInterval: cfg.ConfirmationRetryInterval,
		RetryMinAge:   cfg.ConfirmationRetryMinAge,
	})
	orderService := services.NewOrderService(orderStore, ledgerService, primary, notificationService, services.OrderServiceConfig{
		OrderRefPrefix:    cfg.OrderRefPrefix,
		OrderFee:          cfg.OrderFee,
		Currency:          cfg.Currency,
		ReservationTTL:    cfg.ReservationTTL,
		SweepInterval:     cfg.ReservationSweepInterval,
		ReconcileMinAge:   cfg.ConfirmationRetryMinAge,
		ReconcileInterval: cfg.ConfirmationRetryInterval,
	})

	// Feed asynchronous provider notifications into the order pipeline.
	txChannel := make(chan *status.Transaction, 1)
	primary.SetTransactionChannel(txChannel)
	go func() {
		for {
			select {
			case t := <-txChannel:
				slog.Info("=> gateway transaction notification", "reference", t.Reference, "state", t.State)
				if err := orderService.HandleTransaction(ctx, t); err != nil {
					slog.Error("orderService.HandleTransaction()", "reference", t.Reference, "error", err)
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	// Initialize handlers
	orderHandler := handlers.NewOrderHandler(app, orderService)
	paymentHandler := handlers.NewPaymentHandler(app, orderService, registry)
	adminHandler := handlers.NewAdminHandler(app, orderStore, ledgerService)

	rateLimiter := security.NewRateLimiter(redisClient, 30, time.Minute)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Start background tasks
	orderService.StartExpirySweep(ctx)
	orderService.StartReconcileLoop(ctx)
	notificationService.StartRetryLoop(ctx)

	if cfg.EnableMetrics {
		monitor := monitoring.NewMonitor(redisClient)
		go monitor.Start(ctx, 15*time.Second)
		go serveMetrics(cfg.MetricsPort)
	}

	// Setup graceful shutdown
	go handleShutdown(cancel, orderService, notificationService)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		syncTicketTypesToLedger(app, ledgerService)

		// Order endpoints
		e.Router.POST("/api/v1/orders", orderHandler.CreateOrder).
			BindFunc(rateLimiter.AntiBotMiddleware()).
			BindFunc(rateLimiter.PurchaseRateLimit())
		e.Router.GET("/api/v1/orders/{reference}", orderHandler.GetOrder)
		e.Router.POST("/api/v1/orders/{reference}/cancel", orderHandler.CancelOrder)

		// Payment endpoints
		e.Router.POST("/api/v1/payments/callback", paymentHandler.Callback)
		e.Router.POST("/api/v1/payments/{reference}/reconcile", paymentHandler.Reconcile)

		// Admin endpoints
		e.Router.GET("/api/v1/admin/events/{eventId}/inventory", adminHandler.GetInventory)
		e.Router.POST("/api/v1/admin/ticket-types/{ticketTypeId}/sync", adminHandler.SyncInventory)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		setupRecordHooks(app, ledgerService)

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

// syncTicketTypesToLedger seeds the Redis ledger with every ticket type so
// reservations can be served immediately after a restart.
func syncTicketTypesToLedger(app *pocketbase.PocketBase, ledger *services.LedgerService) {
	ctx := context.Background()

	records, err := app.FindAllRecords("ticket_types")
	if err != nil {
		log.Printf("Error fetching ticket types: %v", err)
		return
	}

	synced := 0
	for _, record := range records {
		tt := &models.TicketType{
			ID:             record.Id,
			EventID:        record.GetString("event_id"),
			Name:           record.GetString("name"),
			Price:          decimal.NewFromFloat(record.GetFloat("price")),
			TotalQuantity:  record.GetInt("total_quantity"),
			MaxPerPurchase: record.GetInt("max_per_purchase"),
			Status:         record.GetString("status"),
		}
		if err := ledger.SyncTicketType(ctx, tt); err != nil {
			slog.Error("ledger.SyncTicketType()", "ticket_type_id", tt.ID, "error", err)
			continue
		}
		synced++
	}
	log.Printf("Synced %d ticket types to the inventory ledger", synced)
}

// setupRecordHooks keeps the ledger in step with ticket type edits made
// through the admin UI or API.
func setupRecordHooks(app *pocketbase.PocketBase, ledger *services.LedgerService) {
	sync := func(e *core.RecordRequestEvent) error {
		ctx := e.Request.Context()

		tt := &models.TicketType{
			ID:             e.Record.Id,
			EventID:        e.Record.GetString("event_id"),
			Name:           e.Record.GetString("name"),
			Price:          decimal.NewFromFloat(e.Record.GetFloat("price")),
			TotalQuantity:  e.Record.GetInt("total_quantity"),
			MaxPerPurchase: e.Record.GetInt("max_per_purchase"),
			Status:         e.Record.GetString("status"),
		}

		if err := ledger.SyncTicketType(ctx, tt); err != nil {
			// Log and let the request succeed; the admin sync endpoint can
			// repair the ledger.
			slog.Error("Failed to sync ticket type to ledger", "ticket_type_id", tt.ID, "error", err)
		}
		return e.Next()
	}

	app.OnRecordCreateRequest("ticket_types").BindFunc(sync)
	app.OnRecordUpdateRequest("ticket_types").BindFunc(sync)
}

func serveMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.Printf("Metrics server listening on :%s", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Printf("Metrics server stopped: %v", err)
	}
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc, orderService *services.OrderService, notificationService *services.NotificationService) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
	orderService.Shutdown()
	notificationService.Shutdown()
}
