// Package migrations embeds the SQL schema so binaries and tests can apply it
// without a checkout of the repository.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
