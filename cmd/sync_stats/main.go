package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/alcalc/playsync/internal/repository"
	"github.com/alcalc/playsync/internal/service"
	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	_ = godotenv.Load()

	// Command line flags
	mongoURI := flag.String("mongo", "mongodb://localhost:27017/?replicaSet=rs0", "MongoDB connection URI")
	dbName := flag.String("db", "playsync", "Database name")
	dryRun := flag.Bool("dry-run", false, "Show the recomputed stats without writing them")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(*mongoURI))
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())

	db := client.Database(*dbName)
	stats := service.NewStatsService(
		repository.NewMongoStatsRepository(db),
		repository.NewMongoUserRepository(db),
	)

	fmt.Println("🔍 Scanning users for ACTIVE subscriptions...")
	result, err := stats.Sync(ctx, *dryRun)
	if err != nil {
		log.Fatalf("Stats sync failed: %v", err)
	}

	fmt.Printf("📊 Active subscribers: %d\n", result.Count)
	for _, email := range result.Emails {
		fmt.Printf("   - %s\n", email)
	}

	if *dryRun {
		fmt.Println("\n🔸 DRY RUN - no changes made")
		return
	}
	fmt.Println("\n✅ Stats document updated")
}
