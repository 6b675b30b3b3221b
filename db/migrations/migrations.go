// Package migrations embeds the goose SQL migrations per dialect.
package migrations

import "embed"

// FS holds postgres/ and mysql/ migration sets.
//
//go:embed postgres/*.sql mysql/*.sql
var FS embed.FS
