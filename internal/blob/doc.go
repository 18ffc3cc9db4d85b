// Package blob defines the disk-backed object store holding cached response
// bodies. Objects are addressed by (namespace, object id); each namespace owns
// one directory so that invalidation is a single recursive delete. Writes use
// temp file + rename for both the body and its JSON metadata sidecar, and a
// per-namespace read/write lock keeps in-process invalidation from
// interleaving with writes into the same namespace.
package blob
