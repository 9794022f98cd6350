// Package bridge hosts the heavyweight WASM interpreter runtime behind
// a lazy state machine (uninitialized → loading → ready) with a single
// shared in-flight initialization, and runs submissions through
// persistent interpreter sessions.
//
// A session is one execution unit: it owns a live interpreter module,
// feeds it commands over stdin and intercepts its stderr for host
// calls, completion signals and diagnostics. The interpreter runtime
// is not shareable across threads, so the bridge caps itself at one
// concurrent unit regardless of pool configuration.
//
// Before execution, submissions pass through a source transformation
// pipeline (see rewrite.go): debug-annotation comments become explicit
// debug calls, and blocking input calls are rewritten into awaited
// host-bridge calls with conservative async promotion of the functions
// that transitively use them.
package bridge
