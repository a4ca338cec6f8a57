// Package migrations holds the goose migrations for the pcdeploy schema.
package migrations

import "embed"

// FS exposes the migration sources so goose can match registered Go
// migrations by file name regardless of the working directory.
//
//go:embed *.go
var FS embed.FS
