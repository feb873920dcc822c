// Command admin_setup provisions the single administrator account: it
// hashes the given password and inserts (or resets) the admin_account row.
// The TOTP secret is NOT set here, enrollment happens on first login.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/anavolk/anavolkcom/internal/auth"
	"github.com/anavolk/anavolkcom/internal/db"
	"github.com/anavolk/anavolkcom/pkg"

	log "github.com/sirupsen/logrus"
)

func main() {
	dbHost := flag.String("db-host", "localhost", "postgres host")
	dbPort := flag.String("db-port", "5432", "postgres port")
	dbName := flag.String("db-name", "anavolk_site", "postgres database name")
	flag.Parse()

	password := os.Getenv("ANAVOLK_ADMIN_PASSWORD")
	if password == "" {
		log.Fatalf("admin password not set. use ANAVOLK_ADMIN_PASSWORD env var")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbPool, err := db.NewDBPool(ctx, db.NewDBPoolParams{
		DBHost:     *dbHost,
		DBPort:     *dbPort,
		DBName:     *dbName,
		DBPassword: os.Getenv("ANAVOLK_POSTGRES_PASS"),
	})
	if err != nil {
		log.Fatalf("new db pool: %s", err)
	}
	defer dbPool.Close()

	passwordHash, err := pkg.HashPassword(password)
	if err != nil {
		log.Fatalf("hash password: %s", err)
	}

	if err := auth.NewAdminRepo(dbPool).Provision(ctx, passwordHash); err != nil {
		log.Fatalf("provision admin account: %s", err)
	}

	fmt.Printf("administrator account [%s] provisioned\n", auth.AdminID)
}
