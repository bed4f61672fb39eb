package main

import (
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/TanatPinkeaw/RFID-Project/state"
	"github.com/TanatPinkeaw/RFID-Project/state/migrations"
)

const (
	// Required fields
	EnvDB = "RFID_DB"
)

// rfidmigrate creates the tracker tables and applies pending migrations without
// starting the server, for deploys that migrate ahead of a rollout.
func main() {
	args := map[string]string{
		EnvDB: os.Getenv(EnvDB),
	}
	if args[EnvDB] == "" {
		fmt.Printf("%s must be set\n", EnvDB)
		os.Exit(1)
	}

	db, err := sqlx.Open("postgres", args[EnvDB])
	if err != nil {
		panic(err)
	}
	store := state.NewStorageWithDB(db, false)
	defer store.Teardown()

	if err := migrations.Up(store.DB.DB); err != nil {
		panic(err)
	}
	fmt.Println("database is up to date")
}
