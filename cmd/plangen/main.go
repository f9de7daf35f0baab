package main

import (
	"context"
	"flag"
	"log"

	"github.com/planforge/plangen/service"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the service configuration file")
	flag.Parse()

	svc, err := service.NewService(context.Background(), *configPath)
	if err != nil {
		log.Fatalf("failed to initialize service: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("service exited with error: %v", err)
	}
}
