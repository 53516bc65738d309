// Package engine coordinates one remote resource: a ProxyCache owns the Cache
// for a URL, runs at most one background fetch loop that appends Source bytes
// to it, and serves random-access reads to any number of concurrent readers.
//
// Readers of already-stored ranges never block. Readers of missing ranges
// start the fetch if needed and wait on a per-engine broadcast channel that the
// fetch loop closes (and replaces) after every append and on termination. A
// failed fetch is retried by the next read that needs data, bounded by an
// exponential backoff policy that resets whenever the transfer makes progress.
package engine
