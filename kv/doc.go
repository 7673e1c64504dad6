// Package kv is a thin client over the shared coordination store. It
// exposes only the atomic primitives the higher layers build on:
// set-if-absent with expiry, plain get/set/delete, increment-with-expiry,
// and compare-and-delete.
//
// Two implementations are provided: [NewRedis] (and [NewRedisFromURL]) for
// shared multi-process deployments, and [NewInMemory] for tests and
// single-node use. Check-and-act sequences run as Redis server-side
// scripts, so no operation requires client-side locking.
//
// Transport failures always wrap [ErrUnavailable]; callers decide whether
// to fail open or closed.
package kv
