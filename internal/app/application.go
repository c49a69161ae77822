package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"codeguard/internal/api"
	"codeguard/internal/blobstore"
	"codeguard/internal/config"
	"codeguard/internal/database"
	"codeguard/internal/finalizer"
	"codeguard/internal/lifecycle"
	"codeguard/internal/proctoring"
	"codeguard/internal/registry"
	"codeguard/internal/websocket"
)

// Application wires all components. Initialization follows dependency order:
// Store, Registry, Finalizer, Lifecycle, Pipeline, WebSocket, API, HTTP.
type Application struct {
	config     *config.Config
	store      *database.Store
	registry   *registry.Registry
	lifecycle  *lifecycle.Lifecycle
	pipeline   *proctoring.Pipeline
	apiServer  *api.Server
	httpServer *http.Server
}

func NewApplication(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := database.NewStore(cfg.DatabaseStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	reg := registry.New(store)
	fin := finalizer.New(store)
	lc := lifecycle.New(reg, store, fin)

	blobs := blobstore.NewClient(cfg.BlobStoreClientConfig())
	if !blobs.Enabled() {
		log.Println("blobstore not configured, screenshots will be dropped")
	}

	pipeline := proctoring.New(reg, store, blobs, proctoring.DefaultSearchFilter())

	wsHandler := websocket.NewHandler(lc, cfg.WebSocket.PingInterval, cfg.WebSocket.ReadTimeout)

	apiServer := api.NewServer(pipeline, store, reg, wsHandler.HandleWebSocket, cfg.Blacklist, cfg.Server.AllowedOrigins)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      store,
		registry:   reg,
		lifecycle:  lc,
		pipeline:   pipeline,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start begins serving. Returns once the HTTP listener is up or has failed.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("starting codeguard on %s", app.httpServer.Addr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("codeguard started")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts components down in reverse order: HTTP first so no new work
// arrives, then the store.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("shutting down codeguard")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if err := app.store.Close(); err != nil {
		log.Printf("store shutdown error: %v", err)
	}

	log.Printf("codeguard shutdown complete")
	return nil
}

// Addr returns the bound server address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
