// Package polystore composes interchangeable storage backends behind one
// contract and routes calls between them.
//
// Components:
//   - provider.Provider: the backend contract (memory, file, evict, session,
//     indexed, syncing, badger, redis, bigcache, ristretto).
//   - Manager: a registry of named backends with aliases, a default and an
//     optional fallback backend.
//   - Namespace: a prefixed view over the manager.
//
// Routing:
//
//	m.Get(ctx, "k")                       // default backend
//	m.Get(ctx, "k", polystore.Backend("cache"))
//	m.Set(ctx, "k", v, 0, polystore.Replicate("disk", "remote"))
//
// Reads that fail on their backend are retried once against the fallback
// backend unless NoFallback is given. Replicated writes are best effort: the
// primary write decides the result. Target failures are reported to
// Hooks.ReplicationFailed one by one and logged together as a *ReplicationError.
package polystore
