// Package sandbox enforces the per-submission isolation contract: an
// explicit capability allow-list, a hard timeout, a cooperative
// cancellation token with a hard-kill backstop, and bounded value
// formatting for everything a submission emits.
//
// Sandboxed code has no implicit access to system resources. The
// capability surface is assembled per job from the submission options:
// timing, text/URL encoding, output emission, debug instrumentation,
// synchronous input, a restricted module loader confined to a package
// directory, and a filesystem view confined to the job's working
// directory. Dynamic code evaluation and reflective constructs are not
// exposed at all.
package sandbox
