// Package db embeds the SQL schema and seed files shipped with the binaries.
package db

import "embed"

//go:embed migrations seeds
var Files embed.FS
