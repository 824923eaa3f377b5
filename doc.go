// Package bruci exposes a Go API for running Bruno-style `.bru` collections
// in-process, the same engine the bruci CLI drives.
//
// Quick start:
//
//		ctx := context.Background()
//		rep, err := bruci.Run(ctx, "api-tests", bruci.RunOptions{Environment: "staging"})
//		if err != nil {
//			// setup problems (unknown environment, cyclic variables) end up here
//		}
//		os.Exit(rep.ExitCode())
//
// Reuse a runner across collections:
//
//		r, _ := bruci.New(ctx, bruci.WithTimeout(10*time.Second))
//		c, _ := bruci.Load("api-tests", bruci.LoadOptions{})
//		rep, _ := r.RunCollection(ctx, c, bruci.RunOptions{
//			Environment: "local",
//			Vars:        map[string]string{"userId": "123"},
//			Tags:        []string{"smoke"},
//		})
//
// Hooks:
//
//		r, _ := bruci.New(ctx,
//			bruci.WithPreRequestHook(func(ctx context.Context, info bruci.HookInfo, req *http.Request, log pslog.Base) error {
//				req.Header.Set("X-Signature", sign(req))
//				return nil
//			}),
//			bruci.WithPostRequestHook(func(ctx context.Context, info bruci.HookInfo, res bruci.RunResult, log pslog.Base) error {
//				if res.Outcome != bruci.OutcomePassed {
//					log.Warn("descriptor failed", "file", info.Path, "err", res.FailureMessage())
//				}
//				return nil
//			}),
//		)
//
// Data-driven runs:
//
//		rep, _ := r.RunCollection(ctx, c, bruci.RunOptions{
//			Environment: "local",
//			CSVFilePath: "users.csv", // or JSONFilePath
//			Parallel:    true,        // only honoured for hook-free collections
//		})
//
// Reports:
//
//		_ = bruci.WriteReport("junit", "out/results.xml", rep)
//
// Runs share no mutable state, so one Runner may serve many goroutines.
package bruci
