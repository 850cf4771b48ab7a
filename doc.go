// Package quantops provides an orchestrator for long-running quantitative
// trading operations (backtests, hyperparameter optimizations, historical
// data imports, and paper/live trading sessions) executed by an external
// trading engine.
//
// Quantops is designed as a library, not a service. Import it, configure an
// engine client and a store, and submit operations through the registry:
//
//	reg, err := registry.New(cfg, engineClient,
//	    registry.WithStore(memory.New()),
//	)
//	opID, err := reg.Submit(ctx, req)
//	snap, err := reg.Await(ctx, opID, 30*time.Second)
//
// # Architecture
//
// The registry is the only component client code calls directly. It owns the
// operation state machine (Pending → Running → Completed/Failed/Cancelled,
// plus Running → Stopped for supervised sessions) and composes four
// collaborators: a backoff poller that drives each operation to a terminal
// state without busy-looping, a rate limiter that bounds admission per
// operation kind, a result cache that deduplicates identical requests with
// single-flight semantics, and a safety governor that gates session starts
// and force-stops sessions breaching risk limits.
//
// All entity IDs are TypeIDs: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package quantops
