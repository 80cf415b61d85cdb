// Package memory provides in-process implementations of the indexer, ledger and reputation stores.
// They back tests and STORE_BACKEND=memory deployments and honour the same atomicity contracts as
// the Postgres and Redis stores.
package memory
