// Package main is the scraper service entrypoint.
//
// The service exposes POST /scrape, /abort and /create-zip plus a GET /stream
// event feed. One job runs at a time: it logs into the registry in Chrome,
// walks each table's rows, and saves every row's detail page under
// output.root/<folder>. Configuration comes from an optional YAML file and
// SCRAPER_* environment variables (for example SCRAPER_SERVER_PORT,
// SCRAPER_DB_DSN, SCRAPER_STORAGE_GCS_BUCKET).
//
// Run locally: go run ./cmd/scraper serve --config scraper.yaml
package main

import (
	// The maintenance window zone must resolve in minimal containers.
	_ "time/tzdata"

	"github.com/JakeFAU/registry-scraper/cmd"
)

func main() {
	cmd.Execute()
}
