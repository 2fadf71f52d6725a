// Package migrations embeds the goose SQL migrations for the postgres store
// and the stub backend login limiter.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
