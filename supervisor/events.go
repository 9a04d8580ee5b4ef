package supervisor

import (
	"fmt"

	"github.com/topoface/node-supervisor/notify"
	"github.com/topoface/node-supervisor/process"
)

// forward copies a launcher's events into the supervisor's event loop until
// the launcher closes its stream.
func (s *Supervisor) forward(proc NodeProcess) {
	for ev := range proc.Events() {
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

// run is the only consumer of process events.
func (s *Supervisor) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

// handleEvent reacts to one launcher event. An event is "connected" when it
// comes from the process behind the current handle; events from an earlier
// spawn never disturb a newer handle.
func (s *Supervisor) handleEvent(ev process.Event) {
	s.metrics.observeEvent(ev.Kind)

	connected := ev.SpawnID != "" && s.handle.Load().SpawnID() == ev.SpawnID
	log := s.logger.With("spawn_id", ev.SpawnID, "connected", connected)

	switch ev.Kind {
	case process.EventMessage:
		if !ev.Message.IsCommandError() {
			log.Infow("node message", "level", ev.Message.Level, "code", ev.Message.Code, "text", ev.Message.Text)
			return
		}
		log.Warnw("node command failed", "text", ev.Message.Text)
		s.recover(ev.SpawnID, connected)

	case process.EventError:
		log.Errorw("node process error", "error", ev.Err)
		s.notifier.Notify(notify.Error, fmt.Sprintf("Node process error: %v", ev.Err))
		s.recover(ev.SpawnID, connected)

	case process.EventExit:
		log.Infow("node process exited", "exit_code", ev.ExitCode)
		s.clearIf(ev.SpawnID)
		s.refreshAfter(connected)
	}
}

// recover puts DNS back and drops the handle after the node failed.
func (s *Supervisor) recover(id string, connected bool) {
	if connected || s.handle.Load().Origin() != OriginSpawned {
		if err := s.revertDNS(s.ctx); err != nil {
			s.logger.Warnw("DNS revert after node failure", "spawn_id", id, "error", err)
		}
	}
	s.clearIf(id)
	s.refreshAfter(connected)
}

// refreshAfter recomputes the status after an event. Events from the
// current process always refresh; others yield to a running intent, which
// refreshes on its own when it finishes.
func (s *Supervisor) refreshAfter(connected bool) {
	if connected {
		s.setStatus(s.ctx)
		return
	}
	s.Refresh(s.ctx)
}
