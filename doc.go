/*
Package waymark gates an agent's tool calls behind a staged workflow.

A session walks a fixed graph of stages, from discovering database instances
to presenting query results. Each tool is bound to the stages it ordinarily
runs in and to the fields it needs; a call made at the wrong stage is refused
with a structured explanation of where the session is and what it lacks,
unless every prerequisite is already known, in which case the call skips
ahead.

# Architecture

  - pkg/domain: stages, fields, transition rules and events. Pure and synchronous.
  - internal/runtime: the Engine. Serializes work per session, caches records
    and commits every mutation to a SessionStore before publishing it.
  - pkg/gate: validates and dispatches tool calls, then advances the stage.
  - pkg/adapters: session stores (memory, file, redis, mongo, badger), the
    MCP and HTTP transports, and external process tools.

# Usage

	store := file.New(".waymark/sessions")
	svc, err := waymark.New(store, waymark.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}

	resp, err := svc.Call(ctx, "discover_instances", map[string]any{"session_id": "s1"})
	if err != nil {
		log.Fatal(err) // the store failed
	}
	fmt.Println(resp.Text)

A rejected call is not an error: resp.Rejection describes it and resp.IsError
is set so transports can flag it to the model.
*/
package waymark
