// Package migrations embeds the client buffer schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
