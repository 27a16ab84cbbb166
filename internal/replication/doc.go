// Package replication pulls documents from mesh peers into the local store
// for the queries the application has subscribed to.
//
// A Subscription marks a query as interesting. While it is active the
// Replicator pulls matching documents from every peer, once at subscribe
// time and again whenever a peer announces a change to the subscribed
// collection. Pulls are incremental: each (peer, query) pair keeps a since
// mark in the store's meta table. The mark only holds while a subscription
// on the query stays active, so the first subscription on a query pulls
// everything again.
//
// Cancelling a subscription stops new remote data from arriving for it;
// documents already replicated stay in the local store until evicted.
// Evicting documents that an active subscription still covers is allowed
// but triggers a full re-pull, so the documents come back.
package replication
