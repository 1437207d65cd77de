// Package snapshot persists a point-in-time image of the venue: markets,
// resting orders, the ledger and liquidation states, tagged with the last
// journaled command it covers. Recovery loads the image and replays the
// journal from that sequence.
package snapshot
