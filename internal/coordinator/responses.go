package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/convmode/internal/brain"
	"github.com/ent0n29/convmode/internal/correlate"
	"github.com/ent0n29/convmode/internal/events"
	"github.com/ent0n29/convmode/internal/mode"
	"github.com/ent0n29/convmode/internal/session"
	"github.com/ent0n29/convmode/internal/transcript"
)

var errEmptyReply = errors.New("generator returned an empty reply")

type generation struct {
	ticket    correlate.Ticket
	utterance transcript.Utterance
	voice     bool
	requests  []brain.Request
}

type agentResult struct {
	text string
	err  error
	took time.Duration
}

// GenerateResponses runs exactly one generation attempt per utterance. A
// second trigger while the first is in flight, or after it succeeded, is
// rejected and reported. Voice-origin results whose episode ended during the
// await are discarded.
func (c *Coordinator) GenerateResponses(ctx context.Context, utteranceID string, agentIDs []string) (ResponseSet, error) {
	c.op.Lock()
	g, err := c.prepareLocked(utteranceID, agentIDs)
	c.op.Unlock()
	if err != nil {
		return ResponseSet{UtteranceID: utteranceID}, err
	}

	if !g.voice && c.ctxSrc != nil {
		if entries, err := c.fetchContext(ctx); err != nil {
			c.logger.Warn("text context unavailable", "utterance_id", utteranceID, "err", err)
		} else {
			memory := renderContext(entries)
			for i := range g.requests {
				g.requests[i].MemoryContext = memory
			}
		}
	}
	results := c.runGenerators(ctx, g.requests)

	c.op.Lock()
	defer c.op.Unlock()
	return c.finishLocked(g, results)
}

func (c *Coordinator) prepareLocked(utteranceID string, agentIDs []string) (*generation, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	u, ok := c.correlator.Utterance(utteranceID)
	if !ok {
		return nil, ErrUnknownUtterance
	}
	ticket, err := c.correlator.Begin(utteranceID)
	if err != nil {
		if errors.Is(err, correlate.ErrDuplicateResponse) || errors.Is(err, correlate.ErrAlreadyResponded) {
			c.report(CodeDuplicateResponseRejected, err.Error(), utteranceID, false)
			c.metrics.ObserveResponse("duplicate_rejected")
		}
		return nil, err
	}

	st := c.machine.Current()
	if st == mode.StateError {
		c.correlator.Release(ticket)
		return nil, ErrFaulted
	}
	voice := u.OriginMode.VoiceActive()
	if voice && !c.episodeLive(u.Episode) {
		c.correlator.Release(ticket)
		c.report(CodeResponseDiscarded, "voice episode ended before generation", utteranceID, false)
		c.metrics.ObserveResponse("discarded")
		return nil, ErrResponseDiscarded
	}

	agents := normalizeAgents(agentIDs)
	if len(agents) == 0 {
		if voice {
			agents = c.episodeAgents()
		} else {
			agents = normalizeAgents(c.opts.DefaultAgents)
		}
	}
	if len(agents) == 0 {
		c.correlator.Release(ticket)
		return nil, ErrNoAgents
	}

	g := &generation{ticket: ticket, utterance: u, voice: voice}
	for _, agentID := range agents {
		req := brain.Request{
			ConversationID: c.id,
			UtteranceID:    u.ID,
			AgentID:        agentID,
			InputText:      u.Content,
			Voice:          voice,
		}
		if voice {
			if s, ok := c.sessions.LiveFor(agentID); ok {
				req.SessionID = s.ID
				req.MemoryContext = renderContext(s.Context)
			}
		}
		g.requests = append(g.requests, req)
	}

	if voice && st == mode.StateActive {
		c.machine.Transition(mode.EventStartProcessing, mode.Payload{Reason: u.ID})
	}
	c.mu.Lock()
	c.pendingGen++
	c.mu.Unlock()
	return g, nil
}

func (c *Coordinator) runGenerators(ctx context.Context, reqs []brain.Request) []agentResult {
	results := make([]agentResult, len(reqs))
	var eg errgroup.Group
	eg.SetLimit(c.opts.GenerationConcurrency)
	for i, req := range reqs {
		eg.Go(func() error {
			started := c.now()
			resp, err := c.gen.Generate(ctx, req, nil)
			if err == nil && strings.TrimSpace(resp.Text) == "" {
				err = errEmptyReply
			}
			results[i] = agentResult{text: strings.TrimSpace(resp.Text), err: err, took: c.now().Sub(started)}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (c *Coordinator) finishLocked(g *generation, results []agentResult) (ResponseSet, error) {
	c.mu.Lock()
	c.pendingGen--
	c.mu.Unlock()
	defer c.maybeStopProcessingLocked()

	set := ResponseSet{UtteranceID: g.utterance.ID}
	if !c.correlator.Valid(g.ticket) {
		return c.discardLocked(g, set, "in-flight marker lost during generation")
	}
	if g.voice && !c.episodeLive(g.utterance.Episode) {
		// Marker cleared as failed so the utterance stays retryable.
		_ = c.correlator.Complete(g.ticket, nil, ErrResponseDiscarded)
		return c.discardLocked(g, set, "voice episode ended during generation")
	}

	var (
		firstErr error
		escalate error
		ids      []string
	)
	st := c.machine.Current()
	for i, res := range results {
		req := g.requests[i]
		c.metrics.ObserveGeneration(res.took)
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			set.Failures = append(set.Failures, AgentFailure{AgentID: req.AgentID, Error: res.err.Error()})
			_, hasSession := c.sessions.LiveFor(req.AgentID)
			fatal := g.voice && st.VoiceActive() && !hasSession
			if fatal && escalate == nil {
				escalate = fmt.Errorf("agent %s failed with no live session: %w", req.AgentID, res.err)
			}
			c.report(CodeResponseGenerationFailed, res.err.Error(), req.AgentID, fatal)
			c.metrics.ObserveResponse("failed")
			c.logger.Warn("response generation failed", "utterance_id", g.utterance.ID, "agent_id", req.AgentID, "err", res.err)
			continue
		}
		resp := Response{
			ID:          uuid.NewString(),
			UtteranceID: g.utterance.ID,
			AgentID:     req.AgentID,
			SessionID:   req.SessionID,
			Text:        res.text,
			Mode:        g.utterance.OriginMode,
			Episode:     g.utterance.Episode,
			CreatedAt:   c.now().UTC(),
		}
		set.Responses = append(set.Responses, resp)
		ids = append(ids, resp.ID)
		c.metrics.ObserveResponse("generated")
	}

	if len(ids) == 0 {
		if err := c.correlator.Complete(g.ticket, nil, firstErr); err != nil {
			c.logger.Warn("failed generation not correlated", "utterance_id", g.utterance.ID, "err", err)
		}
		if escalate != nil {
			c.faultLocked(escalate)
		}
		return set, fmt.Errorf("%w: %v", ErrGenerationFailed, firstErr)
	}
	if err := c.correlator.Complete(g.ticket, ids, nil); err != nil {
		set.Responses, set.Failures = nil, nil
		return c.discardLocked(g, set, "response set not correlated: "+err.Error())
	}
	if escalate != nil {
		c.faultLocked(escalate)
		return set, nil
	}

	c.mu.Lock()
	c.queue = append(c.queue, set.Responses...)
	c.mu.Unlock()
	c.pumpLocked()
	return set, nil
}

func (c *Coordinator) discardLocked(g *generation, set ResponseSet, why string) (ResponseSet, error) {
	c.report(CodeResponseDiscarded, why, g.utterance.ID, false)
	c.metrics.ObserveResponse("discarded")
	c.logger.Info("generation result discarded", "utterance_id", g.utterance.ID, "episode", g.utterance.Episode, "reason", why)
	set.Discarded = true
	return set, ErrResponseDiscarded
}

// episodeLive reports whether the voice episode is still the current one.
func (c *Coordinator) episodeLive(episode uint64) bool {
	return c.machine.Episode() == episode && c.machine.Current().VoiceActive()
}

// pumpLocked dispatches queued responses in order. A voice response keeps the
// floor until PlaybackComplete; text responses are delivered back to back.
func (c *Coordinator) pumpLocked() {
	for {
		c.mu.Lock()
		if c.speaking != nil || len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		resp := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if c.correlator.Dispatched(resp.ID) {
			c.metrics.ObserveResponse("dispatch_duplicate")
			continue
		}
		voice := resp.Mode.VoiceActive()
		if voice && !c.episodeLive(resp.Episode) {
			c.report(CodeResponseDiscarded, "voice episode ended before dispatch", resp.ID, false)
			c.metrics.ObserveResponse("discarded")
			continue
		}
		if err := c.turns.BeginAgentOutput(resp.AgentID); err != nil {
			c.report(CodeResponseDiscarded, err.Error(), resp.ID, false)
			c.metrics.ObserveResponse("discarded")
			continue
		}
		c.correlator.MarkDispatched(resp.ID)
		resp.DispatchedAt = c.now().UTC()
		c.bus.Publish(events.KindResponseDispatched, resp)
		c.metrics.ObserveResponse("dispatched")
		if u, ok := c.correlator.Utterance(resp.UtteranceID); ok {
			c.metrics.ObserveStage("commit_to_dispatch", resp.DispatchedAt.Sub(u.Timestamp))
		}

		if voice {
			c.mu.Lock()
			c.setSpeakingLocked(&resp)
			c.mu.Unlock()
			return
		}
		c.turns.EndAgentOutput(resp.AgentID)
	}
}

// PlaybackComplete is the audio-output signal that a spoken response ended.
func (c *Coordinator) PlaybackComplete(responseID string) bool {
	c.op.Lock()
	defer c.op.Unlock()
	return c.endPlaybackLocked(responseID)
}

func (c *Coordinator) endPlaybackLocked(responseID string) bool {
	c.mu.Lock()
	cur := c.speaking
	if cur == nil || cur.ID != responseID {
		c.mu.Unlock()
		return false
	}
	c.setSpeakingLocked(nil)
	c.mu.Unlock()

	c.turns.EndAgentOutput(cur.AgentID)
	c.pumpLocked()
	c.maybeStopProcessingLocked()
	return true
}

// setSpeakingLocked replaces the response holding the floor and re-arms the
// playback timeout for it. Callers hold mu.
func (c *Coordinator) setSpeakingLocked(resp *Response) {
	if c.playback != nil {
		c.playback.Stop()
		c.playback = nil
	}
	c.speaking = resp
	if resp == nil || c.closed {
		return
	}
	id := resp.ID
	c.playback = time.AfterFunc(c.opts.PlaybackTimeout, func() { c.playbackTimedOut(id) })
}

func (c *Coordinator) playbackTimedOut(responseID string) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.op.Lock()
	defer c.op.Unlock()
	c.mu.Lock()
	current := c.speaking != nil && c.speaking.ID == responseID
	c.mu.Unlock()
	if !current {
		return
	}
	c.report(CodePlaybackTimeout, "no playback acknowledgement within "+c.opts.PlaybackTimeout.String(), responseID, false)
	c.metrics.ObserveIndicator("playback_timeout")
	c.logger.Warn("playback not acknowledged, releasing floor", "response_id", responseID)
	c.endPlaybackLocked(responseID)
}

// DispatchResponse is the re-delivery path for a response produced
// elsewhere, e.g. replayed after a reconnect. Responses are keyed by id, so a
// re-delivered response is never played twice.
func (c *Coordinator) DispatchResponse(resp Response) bool {
	c.op.Lock()
	defer c.op.Unlock()

	if resp.ID == "" || c.correlator.Dispatched(resp.ID) {
		c.metrics.ObserveResponse("dispatch_duplicate")
		return false
	}
	c.mu.Lock()
	if c.speaking != nil && c.speaking.ID == resp.ID {
		c.mu.Unlock()
		return false
	}
	for _, queued := range c.queue {
		if queued.ID == resp.ID {
			c.mu.Unlock()
			return false
		}
	}
	c.queue = append(c.queue, resp)
	c.mu.Unlock()
	c.pumpLocked()
	return true
}

// bargeInLocked drops the interrupted response and anything queued behind it.
func (c *Coordinator) bargeInLocked(agentID string) {
	c.mu.Lock()
	dropped := len(c.queue)
	c.queue = nil
	c.setSpeakingLocked(nil)
	c.mu.Unlock()
	c.metrics.ObserveIndicator("barge_in")
	c.logger.Info("agent interrupted", "agent_id", agentID, "queued_dropped", dropped)
	c.maybeStopProcessingLocked()
}

func (c *Coordinator) maybeStopProcessingLocked() {
	if c.machine.Current() != mode.StateProcessing {
		return
	}
	c.mu.Lock()
	idle := c.pendingGen == 0 && len(c.queue) == 0 && c.speaking == nil
	c.mu.Unlock()
	if idle {
		c.machine.Transition(mode.EventStopProcessing, mode.Payload{})
	}
}

func renderContext(entries []session.ContextEntry) []string {
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		who := e.Speaker
		if who == "" {
			who = e.Role
		}
		out = append(out, fmt.Sprintf("%s: %s", who, e.Content))
	}
	return out
}
