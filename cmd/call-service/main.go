package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall-backend/internal/config"
	"peercall-backend/internal/database"
	"peercall-backend/internal/domain"
	callHandler "peercall-backend/internal/handler/http/call"
	pushHandler "peercall-backend/internal/handler/http/push"
	wsHandler "peercall-backend/internal/handler/ws"
	"peercall-backend/internal/middleware"
	"peercall-backend/internal/negotiation"
	fsrepo "peercall-backend/internal/repository/firestore"
	redisrepo "peercall-backend/internal/repository/redis"
	"peercall-backend/internal/rtc"
	callService "peercall-backend/internal/service/call"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/jwt"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/push"
)

// pushNotifier adapts the push service to the coordinator's notifier
type pushNotifier struct {
	svc *push.Service
}

func (n *pushNotifier) SendCallOffer(ctx context.Context, call *domain.Call) error {
	return n.svc.SendCallOffer(ctx, &push.CallAlert{
		CallID:     call.ID,
		CallerID:   call.CallerID,
		CallerName: call.CallerName,
		CallType:   string(call.Type),
	}, call.ReceiverID)
}

func (n *pushNotifier) SendMissedCall(ctx context.Context, call *domain.Call) error {
	return n.svc.SendMissedCall(ctx, &push.CallAlert{
		CallID:     call.ID,
		CallerID:   call.CallerID,
		CallerName: call.CallerName,
		CallType:   string(call.Type),
	}, call.ReceiverID)
}

func main() {
	logger.InitDefault()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	// Firestore carries call records and the signaling log
	firestoreClient, err := database.NewFirestoreClient(ctx, cfg.FirestoreProjectID, cfg.FirebaseCredentialsPath)
	if err != nil {
		logger.Fatal("Failed to connect to Firestore", zap.Error(err))
	}
	defer firestoreClient.Close()
	logger.Info("Connected to Firestore", zap.String("project_id", cfg.FirestoreProjectID))

	// Redis holds the push token registry
	redisClient, err := database.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Connected to Redis", zap.String("host", cfg.Redis.Host))

	// Repositories
	callRepo := fsrepo.NewCallRepository(firestoreClient)
	signalRepo := fsrepo.NewSignalRepository(firestoreClient)
	tokenRepo := redisrepo.NewPushTokenRepository(redisClient)

	// Push notifications
	pushProvider, err := push.NewProvider()
	if err != nil {
		logger.Fatal("Failed to create push provider", zap.Error(err))
	}
	pushSvc := push.NewService(pushProvider, tokenRepo)

	// WebRTC engine and negotiation session
	engine, err := rtc.NewPionEngine(cfg.STUNServers)
	if err != nil {
		logger.Fatal("Failed to create WebRTC engine", zap.Error(err))
	}
	session := negotiation.New(engine, signalRepo)

	// Call lifecycle coordinator
	callSvc := callService.NewService(callRepo, &pushNotifier{svc: pushSvc}, session, callService.Config{
		UserID:      cfg.SelfUserID,
		RingTimeout: cfg.RingTimeout,
	})

	// Event feed
	eventsHub := wsHandler.NewEventsHub()
	callSvc.Subscribe(eventsHub)

	if err := callSvc.Start(ctx); err != nil {
		logger.Fatal("Failed to start call coordinator", zap.Error(err))
	}
	defer callSvc.Close()

	// JWT
	jwtManager := jwt.NewJWTManager(cfg.JWTSecret, constants.AccessTokenExpiry, constants.RefreshTokenExpiry)

	// Handlers
	callHdlr := callHandler.NewHandler(callSvc)
	pushHdlr := pushHandler.NewHandler(pushSvc)

	// Router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.Prometheus())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.POST("/calls", callHdlr.InitiateCall)
		v1.GET("/calls/history", callHdlr.GetHistory)
		v1.GET("/calls/:id", callHdlr.GetCall)
		v1.POST("/calls/:id/accept", callHdlr.AcceptCall)
		v1.POST("/calls/:id/reject", callHdlr.RejectCall)
		v1.POST("/calls/:id/end", callHdlr.EndCall)

		v1.POST("/push/tokens", pushHdlr.RegisterToken)
		v1.DELETE("/push/tokens", pushHdlr.UnregisterToken)

		v1.GET("/ws/events", eventsHub.ServeWS)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.HTTPPort),
			zap.String("user_id", cfg.SelfUserID.String()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
