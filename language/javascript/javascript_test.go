package javascript

import (
	"strings"
	"testing"
)

func TestArgsUseStdModule(t *testing.T) {
	lang := New(t.TempDir())
	args := lang.Args("1 + 1")
	if len(args) != 4 || args[0] != "qjs" || args[1] != "--std" {
		t.Errorf("unexpected argv: %v", args)
	}
}

func TestWrapCodePrependsShim(t *testing.T) {
	lang := New(t.TempDir())
	wrapped := lang.WrapCode("console.log(1)")
	if !strings.Contains(wrapped, "_kraterCall") {
		t.Error("shim missing from wrapped code")
	}
}

func TestModuleMissingBinaryHintsFetch(t *testing.T) {
	lang := New(t.TempDir())
	if _, err := lang.Module(); err == nil || !strings.Contains(err.Error(), "krater runtimes fetch") {
		t.Errorf("error should point at the fetch command: %v", err)
	}
}
