package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/duskmint/duskmint/mint"
	"github.com/duskmint/duskmint/mint/manager"
	"github.com/duskmint/duskmint/mint/storage/sqlite"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading configuration from environment")
	}

	config, err := mint.GetConfig()
	if err != nil {
		log.Fatalf("error loading mint config: %v", err)
	}

	db, err := sqlite.InitSQLite(config.DBPath, config.MigrationPath)
	if err != nil {
		log.Fatalf("error setting up database: %v", err)
	}
	defer db.Close()

	m, err := mint.NewMint(config, db)
	if err != nil {
		log.Fatalf("error setting up mint: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m.StartBackgroundTasks(ctx)

	mintServer := mint.NewMintServer(m)
	go mintServer.Start()

	managerServer := manager.SetupServer(config.ManagerListenHost, config.ManagerListenPort, m)
	go func() {
		if err := managerServer.Start(); err != nil {
			log.Printf("manager server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := mintServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down mint server: %v", err)
	}
	if err := managerServer.Shutdown(); err != nil {
		log.Printf("error shutting down manager server: %v", err)
	}
}
