// Package canon provides canonical JSON encoding for reactive-cell values.
//
// Traces, golden fixtures, and the canonical-equality strategy all compare
// encoded bytes, so encoding must be deterministic across runs and platforms:
//
//   - Object keys sorted by UTF-16 code units (RFC 8785 ordering)
//   - Strings NFC normalized at the serialization boundary
//   - No HTML escaping (< > & stay literal)
//   - Control characters escaped with lowercase hex, nothing else escaped
//   - Numbers carry their shortest round-trip form
//
// canon imports nothing from the rest of the module. Everything above it
// (the root package, the harness, the CLI) encodes through it.
package canon
