package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"pairsync/internal/api"
	"pairsync/internal/auth"
	"pairsync/internal/config"
	"pairsync/internal/engine"
	"pairsync/internal/redis"
	"pairsync/internal/service/checkin"
	"pairsync/internal/service/notify"
	"pairsync/internal/storage"
)

func main() {
	cfgPath := os.Getenv("PAIRSYNC_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("PAIRSYNC_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// Redis backs the auth token cache, the event replay mirror, and partner
	// notifications. All three degrade to local-only operation without it.
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, running without cache: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	basic := cfg.BasicConfig
	checkinService := checkin.NewService(db, basic.Steps)
	archiver := checkin.NewArchiver(checkinService)
	defer archiver.Close()

	eng := engine.NewEngine(engine.Config{
		Steps:            basic.Steps,
		IdleAfter:        time.Duration(basic.IdleAfterSec) * time.Second,
		SteppedAwayAfter: time.Duration(basic.SteppedAwayAfterSec) * time.Second,
		TypingDebounce:   time.Duration(basic.TypingDebounceSec) * time.Second,
		MaxTurnDuration:  time.Duration(basic.MaxTurnDurationSec) * time.Second,
		NoteLockTTL:      time.Duration(basic.NoteLockTTLMin) * time.Minute,
		SessionTimeout:   time.Duration(basic.SessionTimeoutMin) * time.Minute,
		AbandonAfter:     time.Duration(basic.AbandonAfterMin) * time.Minute,
		TickInterval:     time.Duration(basic.TickIntervalSec) * time.Second,
		ReplayWindow:     basic.EventReplayWindow,
	}, checkinService, archiver, notify.NewNotifier(rdb), rdb)
	defer eng.Close()

	authService := auth.NewService(db, rdb, 24*time.Hour)
	handlers := api.NewHandler(checkinService, authService, eng)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	if err := router.Run(basic.ServerAddress); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
