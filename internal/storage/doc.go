// Package storage provides the durable record layer behind the seen-sets.
//
// It currently supports:
//   - Keyed records (one opaque value per key, overwritten on write)
//   - Delivery log appends (one entry per relay attempt)
package storage
