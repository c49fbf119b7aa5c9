package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/convmode/internal/brain"
	"github.com/ent0n29/convmode/internal/correlate"
	"github.com/ent0n29/convmode/internal/events"
	"github.com/ent0n29/convmode/internal/mode"
	"github.com/ent0n29/convmode/internal/session"
	"github.com/ent0n29/convmode/internal/transcript"
	"github.com/ent0n29/convmode/internal/turn"
)

// stubGenerator answers "<agent> says <input>". When release is set every call
// blocks until it is closed; failFor lists agents whose calls fail.
type stubGenerator struct {
	started chan string
	release chan struct{}
	failFor map[string]error
	calls   atomic.Int32
}

func (g *stubGenerator) Generate(ctx context.Context, req brain.Request, _ brain.DeltaHandler) (brain.Response, error) {
	g.calls.Add(1)
	if g.started != nil {
		g.started <- req.AgentID
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return brain.Response{}, ctx.Err()
		}
	}
	if err := g.failFor[req.AgentID]; err != nil {
		return brain.Response{}, err
	}
	return brain.Response{Text: req.AgentID + " says " + req.InputText}, nil
}

type stubContext struct {
	entries []session.ContextEntry
	err     error
}

func (s stubContext) Snapshot(context.Context, string, int) ([]session.ContextEntry, error) {
	return s.entries, s.err
}

func newTestCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.Generator == nil {
		opts.Generator = &stubGenerator{}
	}
	if opts.DefaultAgents == nil {
		opts.DefaultAgents = []string{"agentA"}
	}
	c := New(opts)
	t.Cleanup(c.Close)
	return c
}

func activate(t *testing.T, c *Coordinator, agents ...string) []session.AgentSession {
	t.Helper()
	sessions, err := c.ActivateVoiceMode(context.Background(), agents, nil)
	if err != nil {
		t.Fatalf("ActivateVoiceMode() error = %v", err)
	}
	return sessions
}

func commitFinal(t *testing.T, c *Coordinator, text string) transcript.Utterance {
	t.Helper()
	dec, err := c.SubmitTranscription(text, true)
	if err != nil {
		t.Fatalf("SubmitTranscription(%q) error = %v", text, err)
	}
	if dec.Outcome != transcript.OutcomeCommitted || dec.Utterance == nil {
		t.Fatalf("SubmitTranscription(%q) = %+v, want committed", text, dec)
	}
	return *dec.Utterance
}

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func waitEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case evt := <-sub.Events():
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return events.Event{}
	}
}

func errorCodes(evts []events.Event) []string {
	var codes []string
	for _, evt := range evts {
		if rep, ok := events.PayloadAs[events.ErrorReport](evt); ok {
			codes = append(codes, rep.Code)
		}
	}
	return codes
}

func TestWeatherUtteranceCommittedOnce(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	sub := c.Bus().Subscribe(events.KindUtteranceCommitted, events.KindErrorReported)
	defer sub.Close()
	activate(t, c, "agentA")

	for _, step := range []struct {
		text  string
		final bool
	}{
		{"what's the", false},
		{"what's the weather", false},
		{"What's the weather like?", true},
		{"what's the weather like", true},
		{"whats the weather like", false},
	} {
		if _, err := c.SubmitTranscription(step.text, step.final); err != nil {
			t.Fatalf("SubmitTranscription(%q) error = %v", step.text, err)
		}
	}

	var commits int
	var content string
	evts := drain(sub)
	for _, evt := range evts {
		if u, ok := events.PayloadAs[transcript.Utterance](evt); ok {
			commits++
			content = u.Content
		}
	}
	if commits != 1 || content != "What's the weather like?" {
		t.Fatalf("commits = %d (content %q), want exactly one", commits, content)
	}
	if codes := errorCodes(evts); len(codes) == 0 || codes[0] != CodeDuplicateSuppressed {
		t.Fatalf("error codes = %v, want duplicate_suppressed", codes)
	}
}

func TestShortFinalCommitted(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	activate(t, c, "agentA")
	u := commitFinal(t, c, "yes")
	if u.Content != "yes" || u.OriginMode != mode.StateActive || u.Episode != 1 {
		t.Fatalf("utterance = %+v", u)
	}
}

func TestDoubleActivateKeepsOneSessionPerAgent(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	first := activate(t, c, "agentA", "agentB")
	second := activate(t, c, "agentA", "agentB", "agentC")
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("sessions = %d then %d, want 2 and 2", len(first), len(second))
	}
	for _, s := range first {
		if !s.IsEphemeral || !s.SkipTextStages || s.Episode != 1 {
			t.Fatalf("unexpected session %+v", s)
		}
	}
	if got := c.Snapshot().Mode.Episode; got != 1 {
		t.Fatalf("episode = %d, want 1", got)
	}
}

func TestDeactivateRetiresAllSessions(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	sub := c.Bus().Subscribe(events.KindSessionRetired)
	defer sub.Close()
	activate(t, c, "agentA", "agentB")

	if err := c.DeactivateVoiceMode(); err != nil {
		t.Fatalf("DeactivateVoiceMode() error = %v", err)
	}
	snap := c.Snapshot()
	if snap.Mode.Current != mode.StateIdle || len(snap.Sessions) != 0 || len(snap.Agents) != 0 {
		t.Fatalf("snapshot after deactivate = %+v", snap)
	}
	if got := len(drain(sub)); got != 2 {
		t.Fatalf("session-retired events = %d, want 2", got)
	}
	if _, err := c.SubmitTranscription("hello", true); !errors.Is(err, ErrNotListening) {
		t.Fatalf("SubmitTranscription() after deactivate error = %v, want ErrNotListening", err)
	}
	if err := c.DeactivateVoiceMode(); !errors.Is(err, mode.ErrTransitionRejected) {
		t.Fatalf("second DeactivateVoiceMode() error = %v, want rejection", err)
	}
}

func TestFaultRetiresSessionsAndResetRecovers(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	activate(t, c, "agentA", "agentB")

	if !c.Fault(errors.New("microphone lost")) {
		t.Fatalf("Fault() = false")
	}
	snap := c.Snapshot()
	if snap.Mode.Current != mode.StateError || len(snap.Sessions) != 0 || snap.Mode.LastError != "microphone lost" {
		t.Fatalf("snapshot after fault = %+v", snap)
	}
	if _, err := c.ActivateVoiceMode(context.Background(), []string{"agentA"}, nil); !errors.Is(err, mode.ErrTransitionRejected) {
		t.Fatalf("ActivateVoiceMode() in error = %v, want rejection", err)
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got := c.Snapshot(); got.Mode.Current != mode.StateIdle || len(got.Sessions) != 0 {
		t.Fatalf("snapshot after reset = %+v", got)
	}
	sessions := activate(t, c, "agentA")
	if len(sessions) != 1 || sessions[0].Episode != 2 {
		t.Fatalf("sessions after reactivation = %+v", sessions)
	}
}

func TestConcurrentGenerateRejectsDuplicate(t *testing.T) {
	gen := &stubGenerator{started: make(chan string, 1), release: make(chan struct{})}
	c := newTestCoordinator(t, Options{Generator: gen})
	sub := c.Bus().Subscribe(events.KindErrorReported, events.KindResponseDispatched)
	defer sub.Close()
	activate(t, c, "agentA")
	u := commitFinal(t, c, "tell me a joke")

	type result struct {
		set ResponseSet
		err error
	}
	first := make(chan result, 1)
	go func() {
		set, err := c.GenerateResponses(context.Background(), u.ID, nil)
		first <- result{set, err}
	}()
	<-gen.started
	if got := c.Snapshot().Mode.Current; got != mode.StateProcessing {
		t.Fatalf("state during generation = %s, want processing", got)
	}

	if _, err := c.GenerateResponses(context.Background(), u.ID, nil); !errors.Is(err, correlate.ErrDuplicateResponse) {
		t.Fatalf("second GenerateResponses() error = %v, want ErrDuplicateResponse", err)
	}
	close(gen.release)
	res := <-first
	if res.err != nil || len(res.set.Responses) != 1 {
		t.Fatalf("first GenerateResponses() = %+v, %v", res.set, res.err)
	}
	if _, err := c.GenerateResponses(context.Background(), u.ID, nil); !errors.Is(err, correlate.ErrAlreadyResponded) {
		t.Fatalf("third GenerateResponses() error = %v, want ErrAlreadyResponded", err)
	}
	if got := gen.calls.Load(); got != 1 {
		t.Fatalf("generator calls = %d, want 1", got)
	}
	if ids := c.Responses(u.ID); len(ids) != 1 || ids[0] != res.set.Responses[0].ID {
		t.Fatalf("Responses() = %v", ids)
	}

	evts := drain(sub)
	codes := errorCodes(evts)
	if len(codes) != 2 || codes[0] != CodeDuplicateResponseRejected || codes[1] != CodeDuplicateResponseRejected {
		t.Fatalf("error codes = %v, want two duplicate_response_rejected", codes)
	}
	var dispatched int
	for _, evt := range evts {
		if evt.Kind == events.KindResponseDispatched {
			dispatched++
		}
	}
	if dispatched != 1 {
		t.Fatalf("dispatched = %d, want 1", dispatched)
	}
}

func TestPlaybackCompleteAdvancesQueue(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	sub := c.Bus().Subscribe(events.KindResponseDispatched)
	defer sub.Close()
	activate(t, c, "agentA", "agentB")
	u := commitFinal(t, c, "good morning")

	set, err := c.GenerateResponses(context.Background(), u.ID, nil)
	if err != nil || len(set.Responses) != 2 {
		t.Fatalf("GenerateResponses() = %+v, %v", set, err)
	}
	snap := c.Snapshot()
	if snap.Speaking == nil || snap.Speaking.ID != set.Responses[0].ID || snap.QueuedResponses != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Turn.CurrentSpeaker != "agentA" || snap.Mode.Current != mode.StateProcessing {
		t.Fatalf("turn = %+v, mode = %s", snap.Turn, snap.Mode.Current)
	}
	if c.PlaybackComplete(set.Responses[1].ID) {
		t.Fatalf("PlaybackComplete() for queued response = true")
	}
	if !c.PlaybackComplete(set.Responses[0].ID) {
		t.Fatalf("PlaybackComplete(first) = false")
	}
	if got := c.Snapshot().Turn.CurrentSpeaker; got != "agentB" {
		t.Fatalf("speaker = %q, want agentB", got)
	}
	if !c.PlaybackComplete(set.Responses[1].ID) {
		t.Fatalf("PlaybackComplete(second) = false")
	}
	snap = c.Snapshot()
	if snap.Speaking != nil || snap.Turn.CurrentSpeaker != turn.SpeakerNone || snap.Mode.Current != mode.StateActive {
		t.Fatalf("snapshot after playback = %+v", snap)
	}

	evts := drain(sub)
	if len(evts) != 2 {
		t.Fatalf("dispatched events = %d, want 2", len(evts))
	}
	resp, _ := events.PayloadAs[Response](evts[0])
	if resp.DispatchedAt.IsZero() || resp.Text != "agentA says good morning" {
		t.Fatalf("dispatched payload = %+v", resp)
	}
}

func TestDispatchResponseDeliversOnce(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	sub := c.Bus().Subscribe(events.KindResponseDispatched)
	defer sub.Close()
	u, err := c.SubmitText("hello there")
	if err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}
	set, err := c.GenerateResponses(context.Background(), u.ID, nil)
	if err != nil || len(set.Responses) != 1 {
		t.Fatalf("GenerateResponses() = %+v, %v", set, err)
	}
	if c.DispatchResponse(set.Responses[0]) {
		t.Fatalf("re-dispatching a delivered response = true")
	}
	replay := Response{ID: "replayed-1", UtteranceID: u.ID, AgentID: "agentA", Text: "again", Mode: mode.StateIdle}
	if !c.DispatchResponse(replay) {
		t.Fatalf("DispatchResponse(new) = false")
	}
	if c.DispatchResponse(replay) {
		t.Fatalf("DispatchResponse(replay twice) = true")
	}
	if got := len(drain(sub)); got != 2 {
		t.Fatalf("dispatched events = %d, want 2", got)
	}
	if got := c.Snapshot().Turn.CurrentSpeaker; got != turn.SpeakerNone {
		t.Fatalf("speaker after text dispatch = %q, want none", got)
	}
}

func TestInterruptiblePolicy(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	activate(t, c, "agentA")
	u := commitFinal(t, c, "read me the news")
	if _, err := c.GenerateResponses(context.Background(), u.ID, nil); err != nil {
		t.Fatalf("GenerateResponses() error = %v", err)
	}

	c.SetInterruptible(false)
	if _, err := c.SubmitTranscription("hold on", false); err != nil {
		t.Fatalf("SubmitTranscription() error = %v", err)
	}
	if snap := c.Snapshot(); snap.Speaking == nil || snap.Turn.CurrentSpeaker != "agentA" {
		t.Fatalf("non-interruptible agent lost the floor: %+v", snap)
	}

	c.SetInterruptible(true)
	if _, err := c.SubmitTranscription("wait a second", false); err != nil {
		t.Fatalf("SubmitTranscription() error = %v", err)
	}
	snap := c.Snapshot()
	if snap.Speaking != nil || snap.Turn.CurrentSpeaker != turn.SpeakerHuman {
		t.Fatalf("barge-in did not take the floor: %+v", snap)
	}
	if snap.Mode.Current != mode.StateActive {
		t.Fatalf("mode after barge-in = %s, want active", snap.Mode.Current)
	}
}

func TestFinalIgnoredWhileAgentHoldsFloor(t *testing.T) {
	gen := &stubGenerator{}
	c := newTestCoordinator(t, Options{Generator: gen, AutoRespond: true})
	dispatched := c.Bus().Subscribe(events.KindResponseDispatched)
	defer dispatched.Close()
	commits := c.Bus().Subscribe(events.KindUtteranceCommitted)
	defer commits.Close()
	activate(t, c, "agentA")
	u := commitFinal(t, c, "read me the news")

	resp, ok := events.PayloadAs[Response](waitEvent(t, dispatched))
	if !ok || resp.UtteranceID != u.ID {
		t.Fatalf("dispatched = %+v", resp)
	}
	if st := c.Snapshot().Turn; st.CurrentSpeaker != "agentA" || st.Interruptible || st.HumanChannelOpen {
		t.Fatalf("turn = %+v, want agentA non-interruptible with channel closed", st)
	}

	dec, err := c.SubmitTranscription("and the weather forecast too", true)
	if err != nil {
		t.Fatalf("SubmitTranscription() error = %v", err)
	}
	if dec.Outcome != transcript.OutcomeIgnored || dec.Utterance != nil {
		t.Fatalf("decision = %+v, want ignored", dec)
	}
	snap := c.Snapshot()
	if snap.Turn.CurrentSpeaker != "agentA" || snap.QueuedResponses != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if got := gen.calls.Load(); got != 1 {
		t.Fatalf("generator calls = %d, want 1", got)
	}
	if got := len(drain(commits)); got != 1 {
		t.Fatalf("committed utterances = %d, want 1", got)
	}

	if !c.PlaybackComplete(resp.ID) {
		t.Fatalf("PlaybackComplete() = false")
	}
	dec, err = c.SubmitTranscription("and the weather forecast too", true)
	if err != nil || (dec.Outcome != transcript.OutcomeCommitted && dec.Outcome != transcript.OutcomeDeferred) {
		t.Fatalf("SubmitTranscription() after playback = %+v, %v", dec, err)
	}
	if u, _ := events.PayloadAs[transcript.Utterance](waitEvent(t, commits)); u.Content != "and the weather forecast too" {
		t.Fatalf("utterance after playback = %+v", u)
	}
}

func TestUnacknowledgedPlaybackReleasesFloor(t *testing.T) {
	c := newTestCoordinator(t, Options{PlaybackTimeout: 50 * time.Millisecond})
	sub := c.Bus().Subscribe(events.KindErrorReported)
	defer sub.Close()
	activate(t, c, "agentA", "agentB")
	u := commitFinal(t, c, "tell me a story")
	set, err := c.GenerateResponses(context.Background(), u.ID, nil)
	if err != nil || len(set.Responses) != 2 {
		t.Fatalf("GenerateResponses() = %+v, %v", set, err)
	}

	var timedOut []string
	deadline := time.After(2 * time.Second)
	for len(timedOut) < 2 {
		select {
		case evt := <-sub.Events():
			if rep, ok := events.PayloadAs[events.ErrorReport](evt); ok && rep.Code == CodePlaybackTimeout {
				timedOut = append(timedOut, rep.Subject)
			}
		case <-deadline:
			t.Fatalf("playback timeouts = %v, want both responses", timedOut)
		}
	}
	if timedOut[0] != set.Responses[0].ID || timedOut[1] != set.Responses[1].ID {
		t.Fatalf("timed out = %v, want dispatch order", timedOut)
	}
	// Serializes behind the timeout handler before reading the snapshot.
	if c.PlaybackComplete(set.Responses[1].ID) {
		t.Fatalf("late PlaybackComplete() = true")
	}
	snap := c.Snapshot()
	if snap.Speaking != nil || snap.Turn.CurrentSpeaker != turn.SpeakerNone || snap.Mode.Current != mode.StateActive {
		t.Fatalf("snapshot after timeouts = %+v", snap)
	}
}

func TestHowsTheWeatherCommitsOnce(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	sub := c.Bus().Subscribe(events.KindUtteranceCommitted)
	defer sub.Close()
	activate(t, c, "agentA")

	for _, step := range []struct {
		text  string
		final bool
	}{
		{"how's the,", false},
		{"how's the weather,", false},
		{"how's the weather today", true},
	} {
		if _, err := c.SubmitTranscription(step.text, step.final); err != nil {
			t.Fatalf("SubmitTranscription(%q) error = %v", step.text, err)
		}
	}

	evts := drain(sub)
	if len(evts) != 1 {
		t.Fatalf("commits = %d, want 1", len(evts))
	}
	if u, _ := events.PayloadAs[transcript.Utterance](evts[0]); u.Content != "how's the weather today" {
		t.Fatalf("content = %q, want %q", u.Content, "how's the weather today")
	}
}

func TestActivateWithEmptyHistory(t *testing.T) {
	src := stubContext{entries: []session.ContextEntry{{Role: "user", Speaker: "human", Content: "stale"}}}
	c := newTestCoordinator(t, Options{Context: src})
	sub := c.Bus().Subscribe(events.KindSessionCreated)
	defer sub.Close()

	for i := 0; i < 2; i++ {
		sessions, err := c.ActivateVoiceMode(context.Background(), []string{"agentA", "agentB"}, []session.ContextEntry{})
		if err != nil {
			t.Fatalf("ActivateVoiceMode() call %d error = %v", i+1, err)
		}
		if len(sessions) != 2 {
			t.Fatalf("call %d sessions = %d, want 2", i+1, len(sessions))
		}
		for _, s := range sessions {
			if len(s.Context) != 0 || s.Degraded {
				t.Fatalf("session = %+v, want empty non-degraded context", s)
			}
		}
	}
	if got := len(drain(sub)); got != 2 {
		t.Fatalf("session-created events = %d, want 2", got)
	}
	if got := c.Snapshot().Mode.Episode; got != 1 {
		t.Fatalf("episode = %d, want 1", got)
	}
}

func TestDeactivateDuringFailingGenerationDiscards(t *testing.T) {
	gen := &stubGenerator{
		started: make(chan string, 1),
		release: make(chan struct{}),
		failFor: map[string]error{"agentA": errors.New("upstream 500")},
	}
	c := newTestCoordinator(t, Options{Generator: gen})
	sub := c.Bus().Subscribe(events.KindErrorReported)
	defer sub.Close()
	activate(t, c, "agentA")
	u := commitFinal(t, c, "what time is it")

	type result struct {
		set ResponseSet
		err error
	}
	done := make(chan result, 1)
	go func() {
		set, err := c.GenerateResponses(context.Background(), u.ID, nil)
		done <- result{set, err}
	}()
	<-gen.started
	if err := c.DeactivateVoiceMode(); err != nil {
		t.Fatalf("DeactivateVoiceMode() error = %v", err)
	}
	close(gen.release)
	res := <-done

	if !errors.Is(res.err, ErrResponseDiscarded) || !res.set.Discarded {
		t.Fatalf("GenerateResponses() = %+v, %v, want discarded", res.set, res.err)
	}
	snap := c.Snapshot()
	if snap.Mode.Current != mode.StateIdle || len(snap.Sessions) != 0 {
		t.Fatalf("snapshot = %+v, want idle with no sessions", snap)
	}
	codes := errorCodes(drain(sub))
	if len(codes) != 1 || codes[0] != CodeResponseDiscarded {
		t.Fatalf("error codes = %v, want only response_discarded", codes)
	}
}

func TestGenerationFailureWithLiveSessionAllowsRetry(t *testing.T) {
	gen := &stubGenerator{failFor: map[string]error{"agentA": errors.New("timeout")}}
	c := newTestCoordinator(t, Options{Generator: gen})
	activate(t, c, "agentA")
	u := commitFinal(t, c, "summarize my day")

	set, err := c.GenerateResponses(context.Background(), u.ID, nil)
	if !errors.Is(err, ErrGenerationFailed) || len(set.Failures) != 1 {
		t.Fatalf("GenerateResponses() = %+v, %v", set, err)
	}
	if got := c.Snapshot().Mode.Current; got != mode.StateActive {
		t.Fatalf("mode = %s, want active", got)
	}
	delete(gen.failFor, "agentA")
	if set, err := c.GenerateResponses(context.Background(), u.ID, nil); err != nil || len(set.Responses) != 1 {
		t.Fatalf("retry GenerateResponses() = %+v, %v", set, err)
	}
}

func TestGenerationFailureWithoutSessionFaults(t *testing.T) {
	gen := &stubGenerator{failFor: map[string]error{"agentZ": errors.New("unknown agent")}}
	c := newTestCoordinator(t, Options{Generator: gen})
	activate(t, c, "agentA")
	u := commitFinal(t, c, "ask agent z")

	if _, err := c.GenerateResponses(context.Background(), u.ID, []string{"agentZ"}); !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("GenerateResponses() error = %v, want ErrGenerationFailed", err)
	}
	snap := c.Snapshot()
	if snap.Mode.Current != mode.StateError || len(snap.Sessions) != 0 {
		t.Fatalf("snapshot = %+v, want error with no sessions", snap)
	}
}

func TestAutoRespond(t *testing.T) {
	c := newTestCoordinator(t, Options{AutoRespond: true})
	sub := c.Bus().Subscribe(events.KindResponseDispatched)
	defer sub.Close()
	activate(t, c, "agentA")
	u := commitFinal(t, c, "how are you")

	resp, ok := events.PayloadAs[Response](waitEvent(t, sub))
	if !ok || resp.UtteranceID != u.ID || resp.AgentID != "agentA" {
		t.Fatalf("dispatched = %+v", resp)
	}
	if resp.Mode != mode.StateActive || resp.Episode != 1 {
		t.Fatalf("response origin = %s/%d", resp.Mode, resp.Episode)
	}
}

func TestContextSnapshotCopiedIntoSessions(t *testing.T) {
	src := stubContext{entries: []session.ContextEntry{{Role: "user", Speaker: "human", Content: "I like tea"}}}
	c := newTestCoordinator(t, Options{Context: src})
	sessions := activate(t, c, "agentA")
	if len(sessions) != 1 || len(sessions[0].Context) != 1 || sessions[0].Degraded {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestContextFailureCreatesDegradedSessions(t *testing.T) {
	c := newTestCoordinator(t, Options{Context: stubContext{err: errors.New("db down")}})
	sub := c.Bus().Subscribe(events.KindErrorReported)
	defer sub.Close()
	sessions := activate(t, c, "agentA", "agentB")
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	for _, s := range sessions {
		if !s.Degraded || len(s.Context) != 0 {
			t.Fatalf("session = %+v, want degraded and empty", s)
		}
	}
	if got := c.Snapshot().Mode.Current; got != mode.StateActive {
		t.Fatalf("mode = %s, want active", got)
	}
	if codes := errorCodes(drain(sub)); len(codes) != 1 || codes[0] != CodeSessionCreationFailed {
		t.Fatalf("error codes = %v", codes)
	}
}

func TestTextModeUsesDefaultAgents(t *testing.T) {
	c := newTestCoordinator(t, Options{DefaultAgents: []string{"agentA", "agentB"}})
	u, err := c.SubmitText("  plan a trip ")
	if err != nil || u.Content != "plan a trip" || u.OriginMode != mode.StateIdle {
		t.Fatalf("SubmitText() = %+v, %v", u, err)
	}
	set, err := c.GenerateResponses(context.Background(), u.ID, nil)
	if err != nil || len(set.Responses) != 2 {
		t.Fatalf("GenerateResponses() = %+v, %v", set, err)
	}
	for _, r := range set.Responses {
		if r.SessionID != "" || !strings.HasSuffix(r.Text, "plan a trip") {
			t.Fatalf("text response = %+v", r)
		}
	}
	if _, err := c.SubmitText("   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("SubmitText(blank) error = %v, want ErrEmptyText", err)
	}
	if _, err := c.GenerateResponses(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownUtterance) {
		t.Fatalf("GenerateResponses(unknown) error = %v", err)
	}
}

func TestModeChangedPrecedesTeardown(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	var (
		mu    sync.Mutex
		kinds []events.Kind
	)
	sub := c.Bus().SubscribeFunc(func(evt events.Event) {
		mu.Lock()
		kinds = append(kinds, evt.Kind)
		mu.Unlock()
	}, events.KindModeChanged, events.KindSessionRetired)
	activate(t, c, "agentA")
	if err := c.DeactivateVoiceMode(); err != nil {
		t.Fatalf("DeactivateVoiceMode() error = %v", err)
	}
	sub.Close()
	<-sub.Done()

	mu.Lock()
	defer mu.Unlock()
	want := []events.Kind{
		events.KindModeChanged, // initializing
		events.KindModeChanged, // active
		events.KindModeChanged, // transitioning_to_text
		events.KindSessionRetired,
		events.KindModeChanged, // idle
	}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}
