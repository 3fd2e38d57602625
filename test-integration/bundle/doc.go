// Package integration holds end-to-end tests of the bundle server. They run
// real fetchers against repositories laid out in temporary directories and
// keep the cache in SQLite.
package integration
