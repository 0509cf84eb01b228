package main

import (
	"fmt"

	"comet-auto/internal/browser"
	"comet-auto/internal/config"
	"comet-auto/internal/mangle"
	"comet-auto/internal/recorder"
	"comet-auto/internal/session"
)

// stack is the wired runtime shared by ask and serve.
type stack struct {
	cfg      config.Config
	manager  *browser.SessionManager
	engine   *mangle.Engine
	recorder *recorder.Recorder
	serial   *session.Serial
}

func newStack(cfg config.Config, browserOpts ...browser.Option) (*stack, error) {
	st := &stack{
		cfg:     cfg,
		manager: browser.NewSessionManager(cfg.Browser, cfg.App, browserOpts...),
	}

	var opts []session.Option
	if cfg.Journal.Enable {
		engine, err := mangle.NewEngine(cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("initialize ask journal: %w", err)
		}
		st.engine = engine
		opts = append(opts, session.WithEngineSink(engine))
	}
	if cfg.Trace.Enable {
		rec, err := recorder.NewRecorder(cfg.Trace.Dir, cfg.Trace.Keep)
		if err != nil {
			return nil, fmt.Errorf("initialize trace recorder: %w", err)
		}
		st.recorder = rec
		opts = append(opts, session.WithTraceSink(rec))
	}

	ctrl := session.NewController(st.manager, cfg.App, cfg.Polling, opts...)
	st.serial = session.NewSerial(ctrl)
	return st, nil
}

func (st *stack) Close() error {
	if st.recorder != nil {
		_ = st.recorder.Close()
	}
	return st.manager.Close()
}
