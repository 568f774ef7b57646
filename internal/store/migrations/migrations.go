// Package migrations embeds the chatlink.db schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
