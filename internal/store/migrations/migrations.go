// Package migrations embeds the schema of the durable store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
