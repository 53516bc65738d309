// Package source pulls bytes sequentially from a remote HTTP origin.
//
// A Source serves one session at a time: Open(offset) issues a GET with an
// open-ended Range, Read streams the body in order and Close cancels the
// request. FetchMetadata issues a HEAD probe so callers can learn length and
// MIME type without starting a transfer. Redirects are followed manually with
// a bounded counter, and name resolution carries its own timeout enforced
// outside the resolver (see Dialer).
//
// Descriptors (URL, length, MIME) are cached through an InfoStorage so that
// repeated opens of the same URL avoid a redundant probe.
package source
