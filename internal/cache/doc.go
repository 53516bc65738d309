// Package cache stores the growing prefix of a remote resource. Bytes are
// appended sequentially from offset 0 by a single writer (the engine's fetch
// loop) and read at arbitrary offsets by any number of readers. Two backends
// implement the Cache contract: MemoryCache keeps bytes in process memory and
// FileCache appends to StoragePath/<sha1(url)><ext>.download, renaming the
// file once the transfer completes so a restart can tell finished downloads
// from partial ones. Store maps URLs to files and Cleaner keeps the directory
// under the configured size budget.
package cache
