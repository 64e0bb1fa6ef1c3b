// Package redis provides the Redis client component backing the shared
// checkpoint persister.
//
// It wraps go-redis with etlkit logging, configuration conventions and
// component lifecycle (Start/Stop/Health).
//
// # Hash Operations
//
// HashStore keeps one Redis hash per scope, one field per entry, with an
// optional TTL refreshed on every save:
//
//	store := redis.NewHashStore(client, "etlkit:checkpoint")
//	_ = store.Save(ctx, "catalog-sync", map[string]string{"extract": `{"offset":42}`}, 24*time.Hour)
//	fields, _ := store.Load(ctx, "catalog-sync")
//
// # Quick Start
//
//	comp := redis.NewComponent(redis.Config{Enabled: true, Addr: "localhost:6379"}, log)
//	_ = registry.Register(comp)
package redis
