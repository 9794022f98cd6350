// Package bench measures the host-side overhead that wraps every
// submission: artifact preparation, cache lookups and pool dispatch.
// Interpreter time dominates real executions; these numbers bound what
// the host adds on top.
//
// Run with: go test -bench=. ./bench/
package bench

import (
	"context"
	"strings"
	"testing"

	"github.com/krater-dev/krater/bridge"
	"github.com/krater-dev/krater/cache"
	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/pool"
)

var benchSource = strings.Join([]string{
	"def ask():",
	"    return input('x? ')",
	"",
	"def main():",
	"    v = ask()",
	"    print(v)",
	"",
	`if __name__ == "__main__":`,
	"    main()",
}, "\n")

func BenchmarkRewritePipeline(b *testing.B) {
	for i := 0; i < b.N; i++ {
		bridge.Rewrite(benchSource, bridge.RewriteOptions{AsyncInput: true})
	}
}

func BenchmarkRewriteInstrumented(b *testing.B) {
	src := "total = 1 + 2\ntotal #=>\n" + benchSource
	for i := 0; i < b.N; i++ {
		bridge.Rewrite(src, bridge.RewriteOptions{Instrument: true, AsyncInput: true})
	}
}

func BenchmarkCacheMiss(b *testing.B) {
	c := cache.New()
	compile := func(src string) ([]byte, error) {
		return []byte(bridge.Rewrite(src, bridge.RewriteOptions{AsyncInput: true})), nil
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Clear()
		if _, err := c.GetOrCreate(benchSource, compile); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCacheHit(b *testing.B) {
	c := cache.New()
	compile := func(src string) ([]byte, error) {
		return []byte(bridge.Rewrite(src, bridge.RewriteOptions{AsyncInput: true})), nil
	}
	if _, err := c.GetOrCreate(benchSource, compile); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.GetOrCreate(benchSource, compile); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFingerprint(b *testing.B) {
	b.SetBytes(int64(len(benchSource)))
	for i := 0; i < b.N; i++ {
		cache.Fingerprint(benchSource)
	}
}

// noopUnit completes jobs immediately, so the benchmark isolates
// queue and coordinator overhead.
type noopUnit struct{}

func (noopUnit) Execute(ctx context.Context, job executor.Job, sink executor.Sink) error {
	return nil
}
func (noopUnit) Close() error { return nil }

func BenchmarkPoolDispatch(b *testing.B) {
	runner := pool.RunnerFunc(func(ctx context.Context) (pool.Unit, error) {
		return noopUnit{}, nil
	})
	p := pool.New(runner, pool.WithUnitRange(1, 1))
	if err := p.Initialize(context.Background()); err != nil {
		b.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		job := executor.NewJob("x=1", "python", executor.Options{}, executor.PriorityNormal)
		result, err := p.Execute(job, nil)
		if err != nil {
			b.Fatal(err)
		}
		if err := <-result; err != nil {
			b.Fatal(err)
		}
	}
}
