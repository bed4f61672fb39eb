package migrations

import (
	"database/sql"
	"embed"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// All migrations are Go functions registered in init(), so goose is pointed at an empty
// filesystem rather than the working directory.
var noSQLFiles embed.FS

// Up applies every pending migration. Run it after the state tables have been created.
func Up(db *sql.DB) error {
	goose.SetBaseFS(noSQLFiles)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}
