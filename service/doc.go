// Package service assembles the execution host: one worker pool per
// registered language, the shared artifact cache, the interpreter
// bridges, and the synchronous input channel. Everything is owned
// explicitly by the ExecutionService; callers construct it, start it,
// and close it. There are no package-level singletons.
package service
