// Package service is the venue: the single write entry point that
// coordinates market books, the margin ledger, liquidation and settlement.
//
// Every mutation is authorized, validated, appended to the command journal
// and only then applied, under one venue-wide lock. Views take the read
// lock and return copies. Transports (gRPC, HTTP) sit on top of Venue and
// never touch domain state directly.
package service
