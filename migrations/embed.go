// Package migrations embeds the SQL migration files into the binary so the
// outbound message store can be created without files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/mqtt-transport/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
