package database

import "embed"

//go:embed schemas/*.sql
var schemasFS embed.FS

// schemaFiles maps database names to their embedded schema files
var schemaFiles = map[string]string{
	"ledger":    "schemas/ledger_schema.sql",
	"portfolio": "schemas/portfolio_schema.sql",
}

// Schema returns the embedded schema SQL for a database name.
// Exposed so tests can bootstrap in-memory databases.
func Schema(name string) (string, bool) {
	return schemaFor(name)
}

// schemaFor returns the embedded schema SQL for a database name
func schemaFor(name string) (string, bool) {
	file, ok := schemaFiles[name]
	if !ok {
		return "", false
	}
	content, err := schemasFS.ReadFile(file)
	if err != nil {
		return "", false
	}
	return string(content), true
}
