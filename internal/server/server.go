package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandeshlamsal/schoolpay/config"
	"github.com/sandeshlamsal/schoolpay/internal/fees"
	"github.com/sandeshlamsal/schoolpay/internal/gateways"
	"github.com/sandeshlamsal/schoolpay/internal/handlers"
	"github.com/sandeshlamsal/schoolpay/internal/middleware"
	"github.com/sandeshlamsal/schoolpay/internal/models"
	"github.com/sandeshlamsal/schoolpay/internal/payments"
)

func Start() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	db, err := config.InitDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	store := payments.NewGormStore(db)
	gws := map[models.PaymentGateway]gateways.Gateway{
		models.GatewayKhalti: gateways.NewKhalti(config.LoadKhaltiConfig()),
		models.GatewayEsewa:  gateways.NewEsewa(config.LoadEsewaConfig()),
	}
	service := payments.NewService(store, gws, logger)
	ledger := fees.NewLedger(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper := payments.NewSweeper(service, store, logger, 5*time.Minute, 15*time.Minute)
	go sweeper.Run(ctx)

	r := gin.New()
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(gin.Recovery())
	r.Use(middleware.MetricsMiddleware())

	setupRoutes(r, service, ledger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return r.Run(":" + port)
}

func setupRoutes(r *gin.Engine, service *payments.Service, ledger *fees.Ledger) {
	r.Use(middleware.PaymentServiceMiddleware(service))
	r.Use(middleware.FeeLedgerMiddleware(ledger))

	r.GET("/metrics", middleware.PrometheusHandler())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider callbacks carry no session and must stay public.
	public := r.Group("/v1")
	{
		public.GET("/payments/callback/khalti", handlers.KhaltiCallback)
		public.GET("/payments/callback/esewa", handlers.EsewaCallback)
	}

	protected := r.Group("/v1")
	protected.Use(middleware.JWTAuthMiddleware())
	{
		paymentProtected := protected.Group("/payments")
		{
			paymentProtected.POST("", handlers.CreatePayment)
			paymentProtected.GET("", handlers.ListTransactions)
			paymentProtected.GET("/due", handlers.DuePayments)
			paymentProtected.POST("/:id/initiate", handlers.InitiatePayment)
			paymentProtected.GET("/:id/receipt", handlers.PaymentReceiptQR)
		}
	}
}
