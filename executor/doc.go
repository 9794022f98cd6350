// Package executor defines the shared execution vocabulary for krater:
// jobs and their options, priorities, the typed event stream leaving a
// running unit, and the error taxonomy that separates "your code is
// wrong" from "the host could not run your code".
//
// The heavy machinery lives in the pool, bridge and sandbox packages;
// they all speak the types defined here.
package executor
