package migrations

import "embed"

// Files holds the versioned schema files (NNNN_name.sql) applied by the journal.
//
//go:embed *.sql
var Files embed.FS
