// Package migrations embeds the goose migration files so tests and tooling
// can apply the schema without a checkout of this repository.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
