package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"kycgate.dev/db"
	"kycgate.dev/internal/config"
	"kycgate.dev/internal/migrate"
	"kycgate.dev/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	config.LoadDotenv()

	dsn := flag.String("dsn", os.Getenv("PG_DSN"), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	runner, err := migrate.NewRunner(conn, db.Files)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}

	switch flag.Arg(0) {
	case "up":
		err = runner.Up(ctx)
	case "down":
		err = runner.Down(ctx)
	case "seed":
		err = runner.Seed(ctx)
	case "status":
		var history []string
		history, err = runner.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
