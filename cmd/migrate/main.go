package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"calibra.org/internal/migrate"
	"calibra.org/internal/store/pg"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("CALIBRA_PG_DSN"), "PostgreSQL DSN (defaults to CALIBRA_PG_DSN)")
	migrationsDir := flag.String("migrations", "ops/migrations/sql", "directory containing *.up.sql / *.down.sql files")
	seedsDir := flag.String("seeds", "ops/migrations/seeds", "directory containing seed *.sql files")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		usage()
		os.Exit(2)
	}
	if *dsn == "" {
		log.Fatal("no DSN: pass -dsn or set CALIBRA_PG_DSN")
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), *migrationsDir, *seedsDir)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch cmd {
	case "up":
		if err := mgr.Up(ctx); err != nil {
			log.Fatalf("migrate up: %v", err)
		}
		log.Println("migrations applied")
	case "down":
		if err := mgr.Down(ctx); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		log.Println("rolled back one migration")
	case "seed":
		if err := mgr.Seed(ctx); err != nil {
			log.Fatalf("seed: %v", err)
		}
		log.Println("seeds applied")
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		if len(applied) == 0 {
			fmt.Println("no migrations applied")
			return
		}
		for _, name := range applied {
			fmt.Println(name)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate [-dsn DSN] [-migrations DIR] [-seeds DIR] <up|down|seed|status>")
}
