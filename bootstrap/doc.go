// Package bootstrap wires the pipeline engine to its infrastructure and runs
// it under one lifecycle.
//
// A Config loaded with config.Load selects the backends: checkpoints in
// memory or Redis, dead letters in memory, a SQL table or a Kafka topic,
// OpenTelemetry export, the run rate limiter and circuit breakers, and the
// definition files to run on a cron schedule.
//
// # Quick Start
//
//	var cfg bootstrap.Config
//	if err := config.Load("etl-worker", &cfg); err != nil {
//	    log.Fatal(err)
//	}
//	app, err := bootstrap.NewApp(&cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	app.Adapters.MustRegister(catalogDef, catalogLoader)
//	if err := app.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Components start in dependency order and stop in reverse; stopping the
// engine cancels the runs still in progress.
package bootstrap
