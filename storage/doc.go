// Package storage defines the entities and persistence interfaces of the
// authorization server: clients, scopes, authorization requests and codes,
// access and refresh tokens, device challenges, and user consent records.
//
// All cross-request coordination is expressed as store-level atomic
// read-modify operations (consume-and-mark, poll-and-stamp) rather than
// application-level locks, so that under concurrent redemption attempts for
// the same credential exactly one request observes the unused row.
package storage
