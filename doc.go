// Package keyfob keeps OIDC bearer tokens valid on behalf of application
// code: it tracks access/refresh expiry, refreshes through the provider when
// needed, exchanges tokens for other audiences, and fetches identity claims.
//
// Two facades cover the two deployment shapes:
//   - Client: one process owns the token pair in memory
//   - SharedTokenClient: any number of cooperating processes share one
//     logical token pair through a lock-guarded file, with at most one of
//     them performing a given refresh
//
// Both delegate every decision to the same lifecycle engine, so the refresh
// semantics cannot diverge between the two.
package keyfob
