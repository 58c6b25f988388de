// Package migrations holds the goose migrations for the dispatch schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
