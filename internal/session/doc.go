// Package session implements the tracing session state machine.
//
// A session moves through Uninitialized, Enabled, Disabling, Disabled and
// Deleted. While enabled, producers call WriteEvent from any goroutine;
// events land in per-thread buffers owned by a buffer manager and a
// serializer goroutine writes retired buffers to the session's stream.
//
//	s := session.New(session.Options{Runtime: shim.Real(), Catalog: catalog, Sink: sink})
//	cfg := session.DefaultConfig()
//	cfg.Providers = []session.ProviderFilter{{Name: "Runtime.GC", Level: event.LevelVerbose}}
//	if _, err := s.Enable(cfg); err != nil {
//	    return err
//	}
//	s.WriteEvent(tid, def, payload)
//	_, err := s.Disable()
//
// Disable waits for in-flight writers, retires every buffer, delivers the
// pending provider callbacks and closes the stream with a trailer. A sink
// failure faults the session: later events are discarded and the trailer
// is marked incomplete.
package session
