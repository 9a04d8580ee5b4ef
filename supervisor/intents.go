package supervisor

import (
	"context"
	"errors"

	"github.com/topoface/node-supervisor/notify"
	"github.com/topoface/node-supervisor/status"
)

type step func(ctx context.Context) error

// GoOff reverts DNS and stops the node.
func (s *Supervisor) GoOff(ctx context.Context) (status.Status, error) {
	return s.intent(ctx, "off", s.revertDNS, s.stopNode)
}

// GoServing starts the node and reverts DNS.
func (s *Supervisor) GoServing(ctx context.Context) (status.Status, error) {
	return s.intent(ctx, "serving", s.startNode, s.revertDNS)
}

// GoConsuming starts the node and routes DNS through it.
func (s *Supervisor) GoConsuming(ctx context.Context) (status.Status, error) {
	return s.intent(ctx, "consuming", s.startNode, s.subvertDNS)
}

// Shutdown is the teardown run when the controlling UI exits. It cancels a
// start or stop in progress and refuses later ones. DNS is reverted first;
// if that fails the node is left running so the host is not stranded with
// DNS pointing at nothing.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.preemptIntents()
	if err := s.intents.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.intents.Release(1)

	err := s.revertDNS(ctx)
	if err != nil {
		s.logger.Errorw("not stopping node, DNS revert failed", "error", err)
		s.notifier.Notify(notify.Error, err.Error())
	} else if err = s.stopNode(ctx); err != nil {
		s.notifier.Notify(notify.Error, err.Error())
	}

	s.setStatus(context.WithoutCancel(ctx))
	s.metrics.observeIntent("shutdown", err)
	return err
}

// intent runs steps in order under the intent lock. A startup timeout is
// notified and the chain continues; any other failure ends it. The status
// is refreshed and reported whatever happened.
func (s *Supervisor) intent(ctx context.Context, name string, steps ...step) (status.Status, error) {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return s.GetStatus(context.WithoutCancel(ctx)), err
	}
	defer release()

	log := s.logger.With("intent", name)
	log.Infow("intent started")

	var errs []error
	for _, run := range steps {
		err := run(ctx)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		log.Warnw("intent step failed", "error", err)
		s.notifier.Notify(notify.Error, err.Error())
		if !errors.Is(err, ErrTimeout) {
			break
		}
	}
	err = errors.Join(errs...)

	st := s.setStatus(context.WithoutCancel(ctx))
	s.metrics.observeIntent(name, err)
	log.Infow("intent finished", "status", st)
	return st, err
}

func (s *Supervisor) revertDNS(ctx context.Context) error {
	if err := s.dns.Revert(ctx); err != nil {
		return newError(KindDNSCoordination, "reverting DNS", err)
	}
	return nil
}

func (s *Supervisor) subvertDNS(ctx context.Context) error {
	if err := s.dns.Subvert(ctx); err != nil {
		return newError(KindDNSCoordination, "subverting DNS", err)
	}
	return nil
}
