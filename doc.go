// Package krater provides a pooled WebAssembly execution host for
// untrusted Python and JavaScript code.
//
// # Overview
//
// Submissions are queued by priority into per-language worker pools of
// persistent interpreter sessions. Each submission runs inside a
// capability-scoped sandbox: nothing outside an explicit allow-list is
// reachable from guest code. Console output, debug probes, errors and
// status changes stream out as events while the job runs.
//
// # Basic Usage
//
//	registry := language.NewRegistry()
//	registry.Register(python.New(runtimesDir))
//
//	svc, _ := service.New(service.Config{}, registry, logger)
//	svc.Start(ctx)
//	defer svc.Close(ctx)
//
//	sub, _ := svc.Submit(`print("hello")`, "python",
//	    executor.Options{}, executor.PriorityNormal, func(ev executor.Event) {
//	        fmt.Println(ev.Data)
//	    })
//	err := <-sub.Result
//
// # Interactive Input
//
// A submission calling input() suspends until the host answers:
//
//	go func() {
//	    for req := range svc.Inputs() {
//	        req.Reply("value")
//	    }
//	}()
//
// See the [service], [pool], [sandbox], [bridge] and [cache] packages
// for detailed API documentation.
package krater
