// Package database provides the GORM component behind the dead-letter
// table, with connection pooling, retrying connect, health checks and
// auto-migration.
//
// The driver is chosen by Config.Driver ("sqlite" or "postgres"); tests
// use an in-memory SQLite database:
//
//	comp := database.NewComponent(database.Config{
//	    Enabled: true, Driver: "sqlite", DSN: "file::memory:?cache=shared",
//	    AutoMigrate: true,
//	}, log).WithAutoMigrate(&deadletter.Model{})
//	_ = registry.Register(comp)
package database
