// Package sourceinfo provides source.InfoStorage backends: a no-op store, an
// in-process TTL cache and a Badger-backed persistent store that survives
// restarts.
package sourceinfo
