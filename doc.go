// Package weft implements a fine-grained reactive-state runtime: a directed
// acyclic graph of value-holding cells in which derived cells recompute
// automatically when their dependencies change, under a glitch-free
// consistency guarantee - no observer ever sees a partially-updated,
// internally-inconsistent state.
//
// ARCHITECTURE:
//
// Single-Threaded Cooperative Store:
// All mark/propagate work runs synchronously inside the public call that
// triggered it. There is exactly one active mutator per Store, so the engine
// holds no locks. This ensures:
// - Predictable recomputation order (dependency rank, then node id)
// - Reproducible notification order for golden traces
// - Simple reasoning about causality
//
// Write Processing Flow:
// 1. Set/Update validates and applies the value to the table (Dirty)
// 2. Mark phase flags transitive dependents Check
// 3. Propagate phase settles affected nodes in dependency-rank order
// 4. An unchanged recomputed value (per-cell equality) stops its branch
// 5. Subscribers of changed cells are notified once, in commit order
//
// Batches fold any number of writes into one such cycle; nested batches
// collapse into the outermost boundary.
//
// Dependency edges are not declared: the set of cells read through the
// Tracker during a computation becomes the node's edge set, rediscovered on
// every run. Cycles therefore surface at propagation time as CYCLE_DETECTED
// errors, never at declaration time.
//
// Suspension exists only in async cells. Their fetches run on goroutines and
// report back through a completion queue; a completion commits only if the
// generation captured when its fetch started still matches the node, so a
// superseded result can never clobber a newer one. Settle drains this
// machinery to quiescence.
//
// CRITICAL PATTERNS:
//
// Trustworthy Values:
// A node's cached value is trustworthy iff its state is Clean. Get and Read
// never return a value without settling the chain first.
//
// Deterministic Scheduling:
// The propagate phase orders ready nodes by ascending node id. Subscriber
// callbacks fire in token order, cells in commit order. No randomness, no
// wall-clock dependence.
package weft
