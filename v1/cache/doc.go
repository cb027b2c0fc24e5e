// Package cache provides the value tier behind the transactional datastore.
// The in-memory cache spawns a background goroutine that periodically sweeps
// expired entries; the interval can be customized when creating the cache.
package cache
