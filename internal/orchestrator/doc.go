// Package orchestrator is the control plane hub. It owns the task queue and
// wires the failure extractor, loop detector, timeout monitor, agent
// lifecycle manager, collaboration router, gate manager and decision engine
// into one flow:
//
//   - Submit queues work; Claim hands the highest-priority task for a role
//     to a ready agent and starts its timeout.
//   - ReportResult classifies failures, feeds the loop detector and funnels
//     the finished task into a per-project FIFO worker that asks the
//     decision engine for the next step.
//   - Gate resolutions resume, extend, release or cancel the work they held.
//
// Example usage:
//
//	cp, err := orchestrator.New(orchestrator.DefaultConfig(),
//		orchestrator.WithOracle(orc),
//		orchestrator.WithStore(db),
//	)
//	go cp.Run(ctx)
//	project, err := cp.CreateProject(ctx, "ship invoice api", "build", nil)
package orchestrator
