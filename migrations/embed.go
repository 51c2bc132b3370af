// Package migrations embeds the Codee schema so the server can apply it at
// startup from any working directory. storage.RunMigrations records applied
// files and skips them on later boots.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
