// Package ledger implements the hash-chained audit trail for appointment and
// payment lifecycle events.
//
// Every stored Entry records the hash of its predecessor in PreviousHash. The
// first entry ever stored chains from the GenesisHash sentinel. Entry hashes
// cover the previous hash, the event id, the event type, the aggregate id and
// the source timestamp, so any tampering with a stored row is detectable via
// Engine.Verify.
//
// Writes go exclusively through Engine.Append, which is idempotent on the
// event id and serialises chain extension through the Store's append
// transaction. Two Store implementations are provided:
//   - MemoryStore: in-process, for tests and local development.
//   - PostgresStore: durable, for production use.
//
// QueryService is the read-only facade over the same stores.
package ledger
