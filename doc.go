// Package backendenv manages ephemeral local backend instances for
// development and testing. It provisions the backend executable (download
// and cache), generates per-instance credentials, spawns and supervises the
// process, gates use on readiness, deploys project code through the
// external deploy CLI, and exposes the backend's authenticated runtime API.
//
// A typical test spins up one instance:
//
//	inst, err := backendenv.New(
//		backendenv.WithProjectDir("./testdata/project"),
//		backendenv.WithDeployCommand("backendctl", "deploy"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Stop(true)
//
//	if err := inst.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if _, err := inst.Deploy(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	err = inst.SetEnvironmentVariables(ctx, []backendenv.EnvVar{
//		{Name: "API_KEY", Value: "test-key"},
//	})
//
// Parallel test suites use a Pool, which hands out ready instances and
// recycles them per the configured release strategy:
//
//	pool, err := backendenv.NewPool(
//		backendenv.WithPoolSize(4),
//		backendenv.WithProjectDir("./testdata/project"),
//		backendenv.WithDeployCommand("backendctl", "deploy"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Close()
//
//	inst, err := pool.Acquire(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Release()
//
// Instances never restart: once stopped, construct a new one.
package backendenv
