// Package pool manages dynamically-scaled sets of execution units.
//
// WorkerPool owns units of one language kind behind a single-goroutine
// coordinator: every state change (queue, unit table, counters) is a
// typed message handled in one place, so pool bookkeeping needs no
// locks. Jobs carry priorities; within a band dispatch is FIFO by
// submission time. The pool scales between a minimum and maximum on
// queue pressure, retires least-used idle units after a debounce, and
// replaces units that crash, fail repeatedly, or go quiet while busy.
//
// InstancePool is the generalized variant for pluggable runtime
// instances keyed by language id: bounded acquire/release with
// idle-timeout recycling and no priority scheduling.
package pool
