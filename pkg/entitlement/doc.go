// Package entitlement decides whether a user holds premium access by
// reconciling subscription state reported by several payment sources.
//
// State reaches the engine on two paths. Providers push webhooks, which an
// Ingestor verifies, deduplicates on (source, external event id) and
// applies. A Reconciler pulls the provider's current view on demand, from
// the task queue after partial webhooks, and from a periodic Sweeper. Both
// paths go through Store.Apply with the same ordering guard, so a state
// observed earlier than the row's LastSyncedAt never overwrites it.
//
// A Resolver answers IsPremium from local rows only:
//
//	resolver := entitlement.NewResolver(store, nil, nil)
//	ok, err := resolver.IsPremium(ctx, userID)
//
// Remote work that may fail (provider pulls, discount code creation) runs
// through a TaskQueue drained by a Worker with bounded exponential backoff.
package entitlement
