// Package cache provides the application-scoped cache of the Capture client.
//
// Values are stored in Redis under dot-separated paths, one namespace per
// application, so several processes working on the same application share
// what they learned about it (schema names, client definitions, settings).
// Record data is never cached: the ingest and pagination paths always talk
// to the API.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{App: "myapp.janraincapture.com", Path: "schemas"}
//
//	var names []string
//	err := manager.Load(ctx, key, &names)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API, then
//		_ = manager.Store(ctx, key, names, 10*time.Minute)
//	}
//
// Deleting a path deletes everything below it:
//
//	// removes clients, clients.abc and clients.abc.features
//	_ = manager.Delete(ctx, cache.CacheKey{App: app, Path: "clients"})
//
// # Metrics
//
//   - capture_cache_hits_total - Cache hits
//   - capture_cache_misses_total - Cache misses
//   - capture_cache_errors_total{operation} - Cache operation errors
package cache
