package session

import (
	"context"
)

// Serial lets several front-ends share one Controller by running its
// operations one at a time. Waiting for the turn honors ctx.
type Serial struct {
	ctrl *Controller
	turn chan struct{}
}

func NewSerial(ctrl *Controller) *Serial {
	return &Serial{ctrl: ctrl, turn: make(chan struct{}, 1)}
}

func (s *Serial) acquire(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Serial) release() { <-s.turn }

// Busy reports whether an operation is running.
func (s *Serial) Busy() bool { return len(s.turn) > 0 }

// State returns the controller state without waiting.
func (s *Serial) State() State { return s.ctrl.State() }

func (s *Serial) Ask(ctx context.Context, prompt string, opts AskOptions) (Answer, error) {
	if err := s.acquire(ctx); err != nil {
		return Answer{}, err
	}
	defer s.release()
	return s.ctrl.Ask(ctx, prompt, opts)
}

func (s *Serial) Connect(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.ctrl.Connect(ctx)
}

func (s *Serial) Navigate(ctx context.Context, url string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.ctrl.Navigate(ctx, url)
}

func (s *Serial) Status(ctx context.Context) (AgentStatus, error) {
	if err := s.acquire(ctx); err != nil {
		return AgentStatus{}, err
	}
	defer s.release()
	return s.ctrl.Status(ctx)
}
