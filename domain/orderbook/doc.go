// Package orderbook implements the per-market limit order book: two
// red-black price indexes with FIFO queues at each level and a price/time
// priority matcher that always executes at the resting order's price.
//
// The book is single-writer. It knows nothing about collateral; matching
// results are handed back to the caller, which settles them in the ledger.
package orderbook
