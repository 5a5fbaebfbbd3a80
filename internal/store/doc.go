// Package store defines interfaces for persistence dependencies (the scrape
// run history). Implementations live in subpackages; this package must not
// import database drivers or concrete clients.
package store
