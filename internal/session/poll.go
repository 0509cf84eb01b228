package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comet-auto/internal/cdp"

	"pkt.systems/pslog"
)

// tracking is the per-ask view of what the agent has done since submission.
type tracking struct {
	prevResponse string
	sawResponse  bool
	seenWorking  bool
	lastActivity time.Time

	candidate      string
	candidateSince time.Time
	hasCandidate   bool
}

func (t *tracking) reset(base baseline, now time.Time) {
	*t = tracking{prevResponse: base.Response, lastActivity: now}
}

func (t *tracking) active() bool { return t.seenWorking || t.sawResponse }

// answered reports whether st can be taken as this ask's answer. A response
// identical to the baseline only counts once the agent was seen working and
// the page explicitly reports completion.
func (t *tracking) answered(st AgentStatus) bool {
	if st.Response == "" || st.Working() {
		return false
	}
	return t.sawResponse || (t.seenWorking && st.Status == StatusCompleted)
}

// poll observes the page once per interval until the answer is final or
// timeout passes.
func (c *Controller) poll(ctx context.Context, askID string, base baseline, timeout time.Duration) (Answer, error) {
	log := pslog.Ctx(ctx)
	c.setState(ctx, StatePolling)

	start := c.clock.Now()
	deadline := start.Add(timeout)
	answer := Answer{}

	var t tracking
	t.reset(base, start)
	c.tracker.Reset()

	for c.clock.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return answer, err
		}

		st, err := c.observe(ctx)
		if err != nil {
			var timeoutErr *cdp.RequestTimeoutError
			if !errors.As(err, &timeoutErr) {
				return answer, fmt.Errorf("poll status: %w", err)
			}
			log.Debug("status poll timed out; retrying", "err", err)
			if err := c.clock.Sleep(ctx, c.polling.PollInterval()); err != nil {
				return answer, err
			}
			continue
		}
		answer.Polls++
		metricPolls.Inc()
		now := c.clock.Now()
		c.recordPoll(ctx, askID, answer.Polls, st)

		if st.Working() {
			t.seenWorking = true
		}
		if st.Response != "" && st.Response != t.prevResponse {
			t.prevResponse = st.Response
			t.sawResponse = true
			t.lastActivity = now
			t.hasCandidate = false
		}

		if st.ErrorKind != "" && t.errorPlausible(st, base) {
			c.emit(ctx, "ask_error_seen", askID, st.ErrorKind, st.ErrorMessage)
			if st.HasRetryAffordance && answer.Retries < c.maxRetries() &&
				c.tryAction(ctx, "click retry", c.surface.ClickRetry) {
				answer.Retries++
				metricRetries.Inc()
				c.emit(ctx, "ask_retry", askID, answer.Retries)
				c.traceLog(askID, "retry", map[string]interface{}{"kind": st.ErrorKind, "attempt": answer.Retries})
				log.Warn("application reported an error; retrying", "kind", st.ErrorKind, "attempt", answer.Retries)

				c.tracker.Reset()
				t.reset(base, c.clock.Now())
				if err := c.clock.Sleep(ctx, c.polling.RetryDelay()); err != nil {
					return answer, err
				}
				continue
			}
			return answer, &RemoteTaskError{Kind: st.ErrorKind, Message: st.ErrorMessage}
		}

		if !answer.Resubmitted && !t.active() && now.Sub(t.lastActivity) > c.polling.ResubmitDelay() {
			answer.Resubmitted = true
			metricResubmits.Inc()
			c.emit(ctx, "ask_resubmit", askID)
			c.traceLog(askID, "resubmit", map[string]interface{}{"idle": now.Sub(t.lastActivity).String()})
			log.Info("no activity since submission; resubmitting once")
			c.tryAction(ctx, "resubmit", c.surface.Resubmit)
		}

		if c.completionSignal(st, now.Sub(t.lastActivity)) && t.answered(st) {
			if !t.hasCandidate || t.candidate != st.Response {
				t.candidate = st.Response
				t.candidateSince = now
				t.hasCandidate = true
			} else if now.Sub(t.candidateSince) >= c.polling.GraceWindow() {
				answer.Text = st.Response
				answer.Elapsed = now.Sub(start)
				return answer, nil
			}
		} else {
			t.hasCandidate = false
		}

		if err := c.clock.Sleep(ctx, c.polling.PollInterval()); err != nil {
			return answer, err
		}
	}

	return c.atDeadline(ctx, askID, base, &t, answer, start)
}

// atDeadline takes one last look and returns whatever new text the agent
// produced, or classifies the failure.
func (c *Controller) atDeadline(ctx context.Context, askID string, base baseline, t *tracking, answer Answer, start time.Time) (Answer, error) {
	final := t.prevResponse
	if st, err := c.observe(ctx); err == nil {
		if st.Working() {
			t.seenWorking = true
		}
		if st.Response != "" {
			if st.Response != t.prevResponse {
				t.sawResponse = true
			}
			final = st.Response
		}
	} else {
		pslog.Ctx(ctx).Debug("final status unavailable", "err", err)
	}
	answer.Elapsed = c.clock.Now().Sub(start)

	if !t.active() && answer.Retries == 0 {
		return answer, ErrNoActivity
	}
	if final != "" && final != base.Response {
		answer.Text = final
		answer.Partial = true
		return answer, nil
	}
	return answer, ErrTimeout
}

// errorPlausible filters out error text that was already on the page before
// the prompt was sent.
func (t *tracking) errorPlausible(st AgentStatus, base baseline) bool {
	return t.seenWorking ||
		t.sawResponse ||
		st.Response != base.Response ||
		st.ErrorKind != base.ErrorKind ||
		st.ErrorMessage != base.ErrorMessage
}

// completionSignal reports whether st looks like a finished answer.
func (c *Controller) completionSignal(st AgentStatus, idle time.Duration) bool {
	n := textLen(st.Response)
	switch {
	case st.Status == StatusCompleted:
		return true
	case st.IsStable && n > c.polling.CompletionMinLength:
		return true
	default:
		return idle > c.polling.IdleWindow() && n > c.polling.IdleMinLength
	}
}

func (c *Controller) maxRetries() int {
	if c.polling.MaxRetries <= 0 {
		return 5
	}
	return c.polling.MaxRetries
}

func (c *Controller) observe(ctx context.Context) (AgentStatus, error) {
	rec, err := c.surface.Status(ctx)
	if err != nil {
		return AgentStatus{}, err
	}
	return c.tracker.Observe(rec), nil
}

func (c *Controller) recordPoll(ctx context.Context, askID string, n int, st AgentStatus) {
	c.emit(ctx, "ask_poll", askID, n, string(st.Status), textLen(st.Response), st.IsStable)
	// Status alone is "working" for empty snapshots, so busy needs a visible control.
	if st.Working() {
		c.emit(ctx, "ask_busy", askID, n)
	}
	c.traceLog(askID, "poll", map[string]interface{}{
		"n":        n,
		"status":   st.Status,
		"chars":    textLen(st.Response),
		"stable":   st.IsStable,
		"working":  st.Working(),
		"error":    st.ErrorKind,
		"step":     st.CurrentStep,
		"followup": st.HasFollowupAffordance,
	})
}
