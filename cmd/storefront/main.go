// Package main запускает HTTP-сервер витрины.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nkomilov/storefront-system/internal/cart"
	"github.com/nkomilov/storefront-system/internal/catalog"
	"github.com/nkomilov/storefront-system/internal/config"
	"github.com/nkomilov/storefront-system/internal/handler"
	"github.com/nkomilov/storefront-system/internal/localstore"
	"github.com/nkomilov/storefront-system/internal/middleware"
	"github.com/nkomilov/storefront-system/internal/model"
	"github.com/nkomilov/storefront-system/internal/notify"
	"github.com/nkomilov/storefront-system/internal/order"
	"github.com/nkomilov/storefront-system/internal/repository"
	"github.com/nkomilov/storefront-system/internal/upload"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var storage localstore.Store
	if redisStore, err := localstore.NewRedisStore(cfg.RedisAddress); err != nil {
		// Без Redis витрина живёт на процессном хранилище: корзины и
		// записи о покупателях не переживут перезапуск.
		sugar.Warnw("redis unavailable, falling back to in-memory storage", "error", err.Error())
		storage = localstore.NewMemoryStore()
	} else {
		storage = redisStore
	}

	catalogCache := catalog.NewCache(repo, storage, catalog.NewTTLPolicy(cfg.CatalogCacheTTL), logger)
	carts := cart.NewStore(storage)

	events := make(chan model.NotificationEvent, 64)
	orders := order.NewService(repo, carts, catalogCache, events, logger)

	dispatcher := notify.NewDispatcher(cfg.TelegramToken, cfg.TelegramChatID, cfg.SiteURL, logger)
	uploader := upload.NewClient(cfg.UploadHost, cfg.UploadAPIKey, storage, nil, logger)

	deviceMiddleware := middleware.NewDeviceMiddleware(cfg.SessionSecret)
	adminMiddleware := middleware.NewAdminMiddleware(cfg.AdminToken)

	h := handler.NewHandler(orders, carts, catalogCache, uploader, storage, logger, deviceMiddleware, adminMiddleware)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск диспетчера уведомлений
	g.Go(func() error {
		dispatcher.Run(ctx, events)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting storefront server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
