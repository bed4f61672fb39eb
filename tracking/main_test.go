package tracking

import (
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/TanatPinkeaw/RFID-Project/testutils"
)

var postgresConnectionString = "user=xxxxx dbname=rfid_tracking_test sslmode=disable"

func TestMain(m *testing.M) {
	postgresConnectionString = testutils.PrepareDBConnectionString("rfid_tracking_test")
	exitCode := m.Run()
	os.Exit(exitCode)
}

func connectToDB(t *testing.T) (*sqlx.DB, func()) {
	db, err := sqlx.Open("postgres", postgresConnectionString)
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	return db, func() {
		db.Close()
	}
}
