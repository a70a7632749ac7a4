package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crash-lite/apps/server/internal/bots"
	"crash-lite/apps/server/internal/config"
	"crash-lite/apps/server/internal/engine"
	"crash-lite/apps/server/internal/gateway"
	"crash-lite/apps/server/internal/httpapi"
	"crash-lite/apps/server/internal/logging"
	"crash-lite/apps/server/internal/queue"
	"crash-lite/apps/server/internal/store"
	"crash-lite/apps/server/internal/wallet"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("[Server] " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		os.Stderr.WriteString("[Server] " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, storeMode, err := store.Open(ctx, cfg.Store(), logger.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	var ledger wallet.Ledger = wallet.NewMemory(cfg.InitialBalance)
	if sqlStore, ok := st.(*store.SQL); ok {
		ledger, err = wallet.NewSQL(ctx, sqlStore.DB(), sqlStore.Dialect(), cfg.InitialBalance)
		if err != nil {
			return err
		}
	}

	q, err := queue.New(st, cfg.Queue(), logger.Named("queue"))
	if err != nil {
		return err
	}
	defer q.Wait()
	if err := q.Ensure(ctx); err != nil {
		return err
	}

	gw := gateway.New(nil, nil, logger.Named("gateway"))
	eng, err := engine.New(engine.Config{
		Round:          cfg.Round(),
		Policy:         cfg.Policy(),
		Risk:           cfg.Risk(),
		TickInterval:   cfg.TickInterval,
		NextRoundDelay: cfg.NextRoundDelay,
	}, engine.Deps{
		Source:    q,
		Store:     st,
		Wallet:    ledger,
		Publisher: gw,
		Logger:    logger.Named("engine"),
	})
	if err != nil {
		return err
	}
	gw.SetEngine(eng)
	if err := eng.Load(ctx); err != nil {
		return err
	}
	defer eng.Wait()

	api, err := httpapi.NewHandler(st, eng, httpapi.Options{
		AdminToken: cfg.AdminToken,
		ClientSeed: cfg.ClientSeed,
		HouseEdge:  cfg.HouseEdge,
	}, logger.Named("http"))
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWebSocket)
	api.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	botManager := bots.New(eng, bots.Config{
		Count:  cfg.BotCount,
		MinBet: cfg.MinBet,
		MaxBet: cfg.MaxBet,
	}, logger.Named("bots"), time.Now().UnixNano())

	logger.Info("starting",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store_mode", storeMode),
		zap.Int("bots", cfg.BotCount),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		return botManager.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn("close websocket clients", zap.Error(err))
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
