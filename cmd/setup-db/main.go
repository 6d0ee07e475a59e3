package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
)

// setup-db creates the database named in TENANCY_DB_URL by connecting to the
// server's maintenance database with the same credentials.
func main() {
	_ = godotenv.Load()

	dbURL := os.Getenv("TENANCY_DB_URL")
	if dbURL == "" {
		log.Fatal("TENANCY_DB_URL is required")
	}

	parsed, err := url.Parse(dbURL)
	if err != nil {
		log.Fatalf("failed to parse DB URL: %v", err)
	}
	if len(parsed.Path) < 2 {
		log.Fatal("no database name in URL")
	}
	dbName, err := url.PathUnescape(parsed.Path[1:])
	if err != nil {
		log.Fatalf("failed to unescape database name: %v", err)
	}

	maintenance := *parsed
	maintenance.Path = "/postgres"
	if v := os.Getenv("TENANCY_DB_MAINTENANCE_URL"); v != "" {
		if m, err := url.Parse(v); err == nil {
			maintenance = *m
		}
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, maintenance.String())
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer conn.Close(ctx) //nolint:errcheck

	_, err = conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{dbName}.Sanitize())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P04" {
		fmt.Printf("Database '%s' already exists\n", dbName)
		return
	}
	if err != nil {
		log.Fatalf("failed to create database: %v", err)
	}
	fmt.Printf("Database '%s' created successfully\n", dbName)
}
