// Package migrations embeds the Postgres schema for the settlement event
// log and its read models.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
