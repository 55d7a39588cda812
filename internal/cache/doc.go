// Package cache implements the named-cache storage the worker reads and writes.
// A Storage holds an ordered set of named caches; each NamedCache maps a
// request identity (the URL of a GET request) to a stored response made of
// status, headers and body. Two drivers are provided: a disk-backed store that
// lays entries out as StoragePath/<cache>/<url-path> with temp file + rename
// writes, and a process-local memory store. Neither assumes exclusive access:
// every operation is individually atomic and callers are expected to use
// presence checks rather than full rewrites.
package cache
