package main

import (
	"log"

	"triagebot/internal/app"
	"triagebot/internal/config"
)

func main() {
	cfg := config.LoadConfig()

	a, err := app.New(&cfg)
	if err != nil {
		log.Fatalf("Failed to start triage engine: %v", err)
	}
	defer a.DB.Close()

	log.Println("Starting Triage Engine...")
	a.StartMaintenanceScheduler()

	select {}
}
