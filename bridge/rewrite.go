package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

// RewriteOptions selects the per-call transformation passes.
type RewriteOptions struct {
	// Instrument rewrites debug-annotation comments into explicit
	// debug calls.
	Instrument bool

	// AsyncInput applies the blocking-input rewrite. Only languages
	// whose input builtin suspends the interpreter loop set it; the
	// generated scaffolding is Python syntax.
	AsyncInput bool
}

// Rewrite runs the source transformation pipeline: debug annotations
// first (they reference original line numbers), then the blocking
// input rewrite. Both passes depend only on the source text and the
// language, so uninstrumented output is safe to cache per language;
// the instrumentation pass is per call.
func Rewrite(source string, opts RewriteOptions) string {
	if opts.Instrument {
		source = RewriteDebugAnnotations(source)
	}
	if opts.AsyncInput {
		source = RewriteBlockingInput(source)
	}
	return source
}

// debugMarker tags a line whose value should be reported as a debug
// event: either trailing ("total #=>") or standalone ("#=> total").
const debugMarker = "#=>"

// RewriteDebugAnnotations rewrites magic debug-annotation comments
// into explicit probe calls carrying the original line number.
func RewriteDebugAnnotations(source string) string {
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		idx := strings.Index(line, debugMarker)
		if idx == -1 {
			continue
		}

		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		code := strings.TrimSpace(line[:idx])
		annotation := strings.TrimSpace(line[idx+len(debugMarker):])

		switch {
		case code != "" && annotation == "":
			// Trailing marker: report the expression on this line.
			lines[i] = fmt.Sprintf("%sprobe(%d, (%s))", indent, i+1, code)
		case code == "" && annotation != "":
			// Standalone marker: report the annotated expression.
			lines[i] = fmt.Sprintf("%sprobe(%d, (%s))", indent, i+1, annotation)
		}
	}
	return strings.Join(lines, "\n")
}

// asyncExcludedBuiltins are identifiers never promoted to an
// asynchronous form, even when a submission shadows them.
var asyncExcludedBuiltins = map[string]struct{}{
	"print": {}, "len": {}, "range": {}, "str": {}, "int": {}, "float": {},
	"list": {}, "dict": {}, "set": {}, "tuple": {}, "bool": {}, "bytes": {},
	"sum": {}, "min": {}, "max": {}, "abs": {}, "round": {}, "sorted": {},
	"enumerate": {}, "zip": {}, "map": {}, "filter": {}, "open": {},
	"type": {}, "isinstance": {}, "repr": {}, "hash": {}, "id": {},
	"iter": {}, "next": {}, "divmod": {}, "pow": {}, "ord": {}, "chr": {},
	"format": {}, "vars": {}, "dir": {}, "getattr": {}, "setattr": {},
	"hasattr": {}, "input": {},
}

var (
	defRe       = regexp.MustCompile(`^(\s*)(async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	inputCallRe = regexp.MustCompile(`(^|[^\w.])input\s*\(`)
	mainGuardRe = regexp.MustCompile(`^if\s+__name__\s*==\s*["']__main__["']\s*:\s*$`)
)

// RewriteBlockingInput rewrites blocking input calls into awaited
// host-bridge calls and conservatively promotes every user-defined
// function that transitively calls input into an asynchronous form.
// The whole program is then hosted inside an async entry point so the
// rewritten main-guard body becomes a direct top-level awaited call.
// Sources that never call input pass through untouched.
func RewriteBlockingInput(source string) string {
	if !inputCallRe.MatchString(source) {
		return source
	}

	lines := strings.Split(source, "\n")
	promoted := promotedFunctions(lines)

	out := make([]string, 0, len(lines))
	guardActive := false

	for _, line := range lines {
		indentWidth := len(line) - len(strings.TrimLeft(line, " \t"))

		if guardActive {
			if strings.TrimSpace(line) == "" {
				out = append(out, line)
				continue
			}
			if indentWidth > 0 {
				// Dedent the guard body one level: it becomes direct
				// top-level code inside the async entry point.
				out = append(out, rewriteCalls(dedentOnce(line), promoted))
				continue
			}
			guardActive = false
		}

		if indentWidth == 0 && mainGuardRe.MatchString(strings.TrimSpace(line)) {
			guardActive = true
			continue
		}

		if m := defRe.FindStringSubmatch(line); m != nil {
			name := m[3]
			if _, async := promoted[name]; async && m[2] == "" {
				line = strings.Replace(line, "def ", "async def ", 1)
			}
			out = append(out, line)
			continue
		}

		out = append(out, rewriteCalls(line, promoted))
	}

	var b strings.Builder
	b.WriteString("import asyncio\n\n")
	b.WriteString("async def __krater_input__(prompt=\"\"):\n")
	b.WriteString("    return input(prompt)\n\n")
	b.WriteString("async def __krater_main__():\n")
	empty := true
	for _, line := range out {
		if strings.TrimSpace(line) == "" {
			b.WriteString("\n")
			continue
		}
		empty = false
		b.WriteString("    ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	if empty {
		b.WriteString("    pass\n")
	}
	b.WriteString("\nasyncio.run(__krater_main__())\n")
	return b.String()
}

// promotedFunctions computes the fixpoint of user-defined functions
// that transitively call input, excluding builtin identifiers.
func promotedFunctions(lines []string) map[string]struct{} {
	type fn struct {
		name string
		body []string
	}

	var fns []fn
	for i := 0; i < len(lines); i++ {
		m := defRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		name := m[3]
		if _, excluded := asyncExcludedBuiltins[name]; excluded {
			continue
		}
		defIndent := len(m[1])
		var body []string
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "" {
				continue
			}
			indent := len(lines[j]) - len(strings.TrimLeft(lines[j], " \t"))
			if indent <= defIndent {
				break
			}
			body = append(body, lines[j])
		}
		fns = append(fns, fn{name: name, body: body})
	}

	promoted := make(map[string]struct{})
	for _, f := range fns {
		for _, line := range f.body {
			if inputCallRe.MatchString(line) {
				promoted[f.name] = struct{}{}
				break
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for _, f := range fns {
			if _, done := promoted[f.name]; done {
				continue
			}
			for _, line := range f.body {
				if callsAny(line, promoted) {
					promoted[f.name] = struct{}{}
					changed = true
					break
				}
			}
		}
	}
	return promoted
}

func callsAny(line string, names map[string]struct{}) bool {
	for name := range names {
		if callRe(name).MatchString(line) {
			return true
		}
	}
	return false
}

func callRe(name string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[^\w.])` + regexp.QuoteMeta(name) + `\s*\(`)
}

// rewriteCalls awaits calls to input and to promoted functions on one
// line. Calls already under an await are left alone.
func rewriteCalls(line string, promoted map[string]struct{}) string {
	line = awaitCalls(line, "input", "__krater_input__")
	for name := range promoted {
		line = awaitCalls(line, name, name)
	}
	return line
}

// awaitCalls replaces each call to name with an awaited call to
// replacement, preserving everything around it.
func awaitCalls(line, name, replacement string) string {
	re := callRe(name)
	matches := re.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return line
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		nameStart := m[0]
		if m[3] > m[2] {
			nameStart = m[3] // skip the single non-identifier prefix char
		}
		b.WriteString(line[last:nameStart])

		before := strings.TrimRight(line[:nameStart], " ")
		if strings.HasSuffix(before, "await") {
			b.WriteString(replacement)
		} else {
			b.WriteString("await ")
			b.WriteString(replacement)
		}

		// Re-emit everything after the identifier up to the open paren.
		b.WriteString(line[nameStart+len(name) : m[1]])
		last = m[1]
	}
	b.WriteString(line[last:])
	return b.String()
}

func dedentOnce(line string) string {
	if strings.HasPrefix(line, "    ") {
		return line[4:]
	}
	if strings.HasPrefix(line, "\t") {
		return line[1:]
	}
	return strings.TrimLeft(line, " \t")
}
