package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/a-essam23/go-relay/internal/broker"
	"github.com/a-essam23/go-relay/internal/registry"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/a-essam23/go-relay/pkg/bus"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/identity"
	"github.com/a-essam23/go-relay/pkg/sequence"
	"github.com/a-essam23/go-relay/pkg/store"
	"github.com/a-essam23/go-relay/pkg/store/redisstore"
	"github.com/a-essam23/go-relay/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	registry    *registry.Registry
	broker      *broker.Broker
	eventRouter *router.EventRouter
	bus         bus.Bus
	redisClient *redis.Client
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(rootCtx context.Context, logger *slog.Logger, cfg *config.Config) (*App, error) {
	serverID := identity.New()
	logger.Info("Server identity assigned", slog.String("serverID", serverID.String()))

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	sharedStore := redisstore.New(redisClient)
	relayBus := bus.NewRedis(rootCtx, redisClient, logger)

	brk := broker.New(serverID, relayBus, broker.Options{
		DedupTTL: cfg.Broker.DedupTTL,
		DedupCap: cfg.Broker.DedupCap,
	}, logger)
	oracle := store.NewMembership(sharedStore)
	reg := registry.New(serverID, brk, oracle, store.NewInterest(sharedStore), logger)
	if err := reg.ClearStaleInterest(rootCtx); err != nil {
		return nil, err
	}
	if err := brk.Start(rootCtx, func(roomID string, payload []byte) {
		reg.DeliverLocal(rootCtx, roomID, payload, "")
	}); err != nil {
		return nil, fmt.Errorf("start broker: %w", err)
	}
	eventRouter := router.NewEventRouter(logger, reg, sequence.New(sharedStore), brk, oracle)

	app := &App{
		logger:      logger,
		registry:    reg,
		broker:      brk,
		eventRouter: eventRouter,
		bus:         relayBus,
		redisClient: redisClient,
		config:      cfg,
		ctx:         rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	// Create a cycler function that closes over the registry and logger.
	connCycler := func(userID string) {
		oldest, found := reg.OldestConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID().String()))
			oldest.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewAuthMiddleware(logger, app.config.Server.Auth.JWTSecret),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectionLimiter(
				logger,
				reg.ConnectionCount,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	userID := reqMeta.UserID
	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.eventRouter.HandleMessage,
		nil,
		a.logger,
	)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		// Interest cleanup must still reach the shared store during shutdown,
		// after the root context is already cancelled.
		a.registry.RemoveConnection(context.WithoutCancel(a.ctx), userID, id)
	})
	a.registry.AddConnection(userID, conn)

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.registry.Connections() {
		conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	if err := a.bus.Close(); err != nil {
		a.logger.Error("Failed to close bus", slog.Any("error", err))
	}
	if err := a.redisClient.Close(); err != nil {
		a.logger.Error("Failed to close redis client", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
