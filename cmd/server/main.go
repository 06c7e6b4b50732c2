package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lostfound-board/backend/internal/api"
	"lostfound-board/backend/internal/chat"
	"lostfound-board/backend/internal/hub"
	"lostfound-board/backend/internal/models"
	"lostfound-board/backend/internal/repository"
	"lostfound-board/backend/pkg/config"
	"lostfound-board/backend/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	godotenv.Load()

	cfg := config.New()

	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"
	log := logger.New(logConfig)
	logger.SetGlobal(log)

	log.Info("starting server", "env", cfg.Server.Env, "port", cfg.Server.Port)

	db, err := config.NewDB()
	if err != nil {
		log.LogError(err, "failed to initialize database")
		os.Exit(1)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.ConversationMember{},
		&models.Message{},
	); err != nil {
		log.LogError(err, "failed to migrate database")
		os.Exit(1)
	}

	messageRepo := repository.NewGormMessageRepository(db)
	convoRepo := repository.NewGormConversationRepository(db)

	rooms := hub.New("rooms", cfg.Chat.SubscriberBuffer, log)
	inboxes := hub.New("inboxes", cfg.Chat.SubscriberBuffer, log)
	local := hub.NewLocalBroadcaster(rooms, inboxes)

	var broadcaster hub.Broadcaster = local
	var relay *hub.RedisBroadcaster
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		relay = hub.NewRedisBroadcaster(rdb, local, log)
		go relay.Run(context.Background())
		broadcaster = relay
		log.Info("event relay enabled", "addr", cfg.Redis.Addr)
	}

	service := chat.NewService(messageRepo, convoRepo, broadcaster, cfg, log)
	router := api.NewRouter(cfg, log, service, rooms, inboxes)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router.Engine,
	}

	go func() {
		log.Info("server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogError(err, "server failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	// Dropping the hubs first ends every event stream, which lets the
	// HTTP server drain its long-lived connections within the deadline.
	rooms.Close()
	inboxes.Close()
	if relay != nil {
		relay.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.LogError(err, "forced shutdown")
	}

	time.Sleep(100 * time.Millisecond) // let in-flight writer goroutines finish
	log.Info("server stopped")
}
