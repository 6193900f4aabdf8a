package main

import (
	"context"
	"flag"
	"log"
	_ "time/tzdata"

	"github.com/EmpoweredVote/EV-Geofences/internal/config"
	"github.com/EmpoweredVote/EV-Geofences/internal/db"
	"github.com/EmpoweredVote/EV-Geofences/internal/geofences"
	"github.com/EmpoweredVote/EV-Geofences/internal/logging"
	"github.com/EmpoweredVote/EV-Geofences/internal/seeds"
	"github.com/joho/godotenv"
)

func main() {
	path := flag.String("file", "internal/seeds/testdata/geofences.yaml", "YAML geofence fixtures")
	flag.Parse()

	_ = godotenv.Load(".env.local")
	cfg := config.LoadFromEnv()
	logger, logWriter, closeLog := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer closeLog()

	if _, err := db.Connect(db.Options{DSN: cfg.DatabaseURL, MaxConns: 4, LogWriter: logWriter}); err != nil {
		log.Fatalf("❌ %v", err)
	}
	if err := geofences.Init(); err != nil {
		log.Fatalf("❌ %v", err)
	}

	fixtures, err := seeds.Load(*path)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	store := geofences.NewGormStore(db.DB)
	svc := geofences.NewService(geofences.Deps{
		Store:     store,
		ChangeLog: store,
		Tuning:    geofences.StaticTuning(cfg.Tuning),
		Logger:    logger,
	})
	defer svc.Close()

	res, err := seeds.SeedAll(context.Background(), svc, fixtures, logger)
	if err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}
	logger.Info("seeding complete", "created", res.Created, "updated", res.Updated)
}
