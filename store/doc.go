// Package store groups the persistence backends. Each subsystem (job,
// cache) defines its own store interface; a backend implements the subset
// it supports. Memory implements both and is the default; Redis
// implements the result cache for deployments that want memoized results
// and single-flight reservations shared across processes.
package store
