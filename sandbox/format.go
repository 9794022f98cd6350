package sandbox

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FormatLimits bounds the structural formatter so pathological
// submissions cannot produce unbounded output.
type FormatLimits struct {
	MaxDepth    int
	MaxElements int
	MaxString   int
}

// DefaultFormatLimits returns the limits used when none are set.
func DefaultFormatLimits() FormatLimits {
	return FormatLimits{
		MaxDepth:    6,
		MaxElements: 100,
		MaxString:   4096,
	}
}

// FormatValue renders a decoded guest value into a content string plus
// a type tag. Values arrive as the generic JSON shapes (nil, bool,
// float64, string, []any, map[string]any).
func FormatValue(v any, limits FormatLimits) (content, typeTag string) {
	if limits.MaxDepth <= 0 {
		limits = DefaultFormatLimits()
	}
	return render(v, limits, 0), tagOf(v)
}

func tagOf(v any) string {
	switch x := v.(type) {
	case nil:
		return "none"
	case bool:
		return "bool"
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return "int"
		}
		return "float"
	case string:
		return "str"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func render(v any, limits FormatLimits, depth int) string {
	if depth >= limits.MaxDepth {
		return "…"
	}

	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		if len(x) > limits.MaxString {
			return x[:limits.MaxString] + "…"
		}
		return x
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, el := range x {
			if i >= limits.MaxElements {
				b.WriteString(", …")
				break
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(render(el, limits, depth+1))
		}
		b.WriteByte(']')
		return b.String()
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i >= limits.MaxElements {
				b.WriteString(", …")
				break
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(render(x[k], limits, depth+1))
		}
		b.WriteByte('}')
		return b.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
