// Package nudge emits short advisories about the current session: commit
// soon, run the tests, look at the errors, wrap up before context runs out.
//
// Each advisory [Kind] has an independent predicate over [session.State] and
// its own persisted [Cooldown]. A kind that fired re-fires only after the
// cooldown window has passed, however many times its predicate re-evaluates
// true in between.
//
// # Usage
//
//	engine := nudge.NewEngine(store, cfg.Nudge, nudge.WithLogger(logger))
//	advisories, err := engine.Evaluate(ctx, state)
//	for _, a := range advisories {
//	    fmt.Println(a.Message)
//	}
//
// # Persistence
//
// Firing updates the kind's cooldown record inside the store's critical
// section, appends to the advisory history and overwrites the latest pointer.
// History and pointer writes are best effort; the cooldown write is not, and
// an advisory whose cooldown could not be recorded is not emitted.
package nudge
