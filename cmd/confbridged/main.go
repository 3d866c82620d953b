package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"confbridge-admin/internal/announce"
	"confbridge-admin/internal/config"
	"confbridge-admin/internal/db"
	"confbridge-admin/internal/httpapi"
	"confbridge-admin/internal/models"
	"confbridge-admin/internal/pbx"
	"confbridge-admin/internal/presence"
	"confbridge-admin/internal/rooms"
	"confbridge-admin/internal/store"
)

func main() {
	cfgPath := flag.String("config", "/etc/confbridged.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	var (
		roomDocs     store.Documents[models.Room]
		presenceDocs store.Documents[models.Presence]
		services     httpapi.Services
	)
	switch cfg.Store {
	case "postgres":
		pool, err := db.NewPool(cfg.DBDSN)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.EnsureSchema(ctx, pool)
		cancel()
		if err != nil {
			log.Fatalf("db schema: %v", err)
		}

		roomDocs = store.NewPostgres[models.Room](pool, store.KindRoom, logger)
		presenceDocs = store.NewPostgres[models.Presence](pool, store.KindPresence, logger)
		services.DB = pool
	default:
		logger.Warn("using in-memory store, state is lost on restart")
		roomDocs = store.NewMemory[models.Room]()
		presenceDocs = store.NewMemory[models.Presence]()
	}

	var exec pbx.Executor
	switch cfg.PBX.Transport {
	case "cli":
		exec = &pbx.CLIExecutor{Binary: cfg.PBX.CLIBinary}
	default:
		ami := &pbx.AMIExecutor{
			Addr:     cfg.PBX.AMIAddr,
			Username: cfg.PBX.AMIUser,
			Secret:   cfg.PBX.AMISecret,
			Logger:   logger,
		}
		defer ami.Close()
		exec = ami
	}

	gateway := pbx.NewGateway(exec, pbx.Options{
		Timeout:    cfg.PBX.Timeout,
		Attempts:   cfg.PBX.Attempts,
		RetryDelay: cfg.PBX.RetryDelay,
		Logger:     logger,
	})

	services.Rooms = rooms.NewService(roomDocs, gateway, rooms.Options{
		RecordingsPath:  cfg.Recordings.BasePath,
		RecordingFormat: cfg.Recordings.Format,
		DefaultMOHClass: cfg.PBX.MOHClass,
		HistoryLimit:    cfg.HistoryLimit,
		Logger:          logger,
	})
	services.Presence = presence.NewService(presenceDocs, presence.Options{
		HistoryLimit: cfg.HistoryLimit,
		Announcer:    announce.NewDispatcher(gateway, cfg.Prompts, logger),
		Logger:       logger,
	})

	router := httpapi.NewRouter(cfg, services)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("confbridge admin service listening", "addr", cfg.ListenAddr,
			"store", cfg.Store, "pbx_transport", cfg.PBX.Transport)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	services.Presence.Wait()
}
