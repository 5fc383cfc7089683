// Package migrations embeds the schema migrations applied by
// postgres.Migrate and shopfloorctl.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
