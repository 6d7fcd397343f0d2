package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/xtrntr/virtuex/internal/auth"
	"github.com/xtrntr/virtuex/internal/config"
	"github.com/xtrntr/virtuex/internal/db"
	"github.com/xtrntr/virtuex/internal/seed"
)

// Seed the database with currencies and funded demo traders
func main() {
	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatalf("database_url or DATABASE_URL is required")
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	authService := auth.NewAuthService(database, cfg.Auth.Secret, cfg.Auth.TokenTTL)
	tokens, err := seed.Run(ctx, database, authService)
	if err != nil {
		log.Fatalf("Failed to seed: %v", err)
	}

	users := make([]string, 0, len(tokens))
	for u := range tokens {
		users = append(users, u)
	}
	sort.Strings(users)
	fmt.Println("Successfully seeded the database. Bearer tokens:")
	for _, u := range users {
		fmt.Printf("  %s: %s\n", u, tokens[u])
	}
}
