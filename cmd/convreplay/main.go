package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"

	"github.com/ent0n29/convmode/internal/events"
	"github.com/ent0n29/convmode/internal/protocol"
)

type options struct {
	baseURL        string
	conversationID string
	agentIDs       []string
	turns          int
	wordDelay      time.Duration
	playback       time.Duration
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type createConversationRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

type createConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

type wsEnvelope struct {
	Type    protocol.MessageType `json:"type"`
	Kind    events.Kind          `json:"kind,omitempty"`
	Code    string               `json:"code,omitempty"`
	Detail  string               `json:"detail,omitempty"`
	Payload json.RawMessage      `json:"payload,omitempty"`
}

type committedPayload struct {
	ID string `json:"id"`
}

type dispatchedPayload struct {
	ResponseID  string `json:"response_id"`
	UtteranceID string `json:"utterance_id"`
	AgentID     string `json:"agent_id"`
}

var defaultUtterances = []string{
	"what's the weather like in lisbon today",
	"remind me what we decided about the launch",
	"summarize the last three messages for me",
	"which of you has the shortest answer",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "convreplay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "convreplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("convreplay", flag.ContinueOnError)
	var cfg options
	var textsRaw string

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "convmode base URL")
	fs.StringVar(&cfg.conversationID, "conversation-id", "", "conversation to create (generated when empty)")
	fs.StringSliceVar(&cfg.agentIDs, "agents", []string{"assistant"}, "agents joined on voice activation")
	fs.IntVar(&cfg.turns, "turns", 8, "number of utterances to replay")
	fs.DurationVar(&cfg.wordDelay, "word-delay", 60*time.Millisecond, "pause between interim transcriptions")
	fs.DurationVar(&cfg.playback, "playback", 250*time.Millisecond, "simulated playback length per response")
	fs.DurationVar(&cfg.startDelay, "start-delay", 300*time.Millisecond, "delay before the first utterance")
	fs.DurationVar(&cfg.interTurnDelay, "inter-turn", 200*time.Millisecond, "delay between utterances")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for a turn's responses")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if len(cfg.agentIDs) == 0 {
		return options{}, fmt.Errorf("at least one agent is required")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}

	cfg.texts = splitTexts(textsRaw)
	if strings.TrimSpace(textsRaw) != "" && len(cfg.texts) == 0 {
		return options{}, fmt.Errorf("texts produced no non-empty utterances")
	}
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 15 * time.Second}
	convID, err := createConversation(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	defer func() {
		_ = deleteConversation(context.Background(), httpClient, cfg.baseURL, convID)
	}()

	wsURL, err := eventsURL(cfg.baseURL, convID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	frames := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, frames, readErrCh, cfg.verbose)

	if err := conn.WriteJSON(protocol.ClientControl{
		Type:     protocol.TypeClientControl,
		Action:   protocol.ActionActivate,
		AgentIDs: cfg.agentIDs,
	}); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("convreplay: conversation=%s agents=%v turns=%d\n", convID, cfg.agentIDs, cfg.turns)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	var latencies []time.Duration
	skipped := 0
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("convreplay: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		if err := sendUtterance(conn, text, cfg.wordDelay); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		sentAt := time.Now()

		first, err := awaitTurn(conn, frames, readErrCh, cfg, len(cfg.agentIDs))
		switch {
		case errors.Is(err, errNoCommit):
			// Repeats inside the dedup window are suppressed by the server.
			skipped++
		case err != nil:
			return fmt.Errorf("turn %d: %w", i+1, err)
		default:
			latencies = append(latencies, first.Sub(sentAt))
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Println(summarize(latencies, skipped))
	return nil
}

func createConversation(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createConversationRequest{ConversationID: strings.TrimSpace(cfg.conversationID)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/conversations", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createConversationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ConversationID) == "" {
		return "", fmt.Errorf("missing conversation_id in response")
	}
	return out.ConversationID, nil
}

func deleteConversation(ctx context.Context, client *http.Client, baseURL, convID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/v1/conversations/"+url.PathEscape(convID), nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func eventsURL(baseURL, convID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/conversations/" + url.PathEscape(convID) + "/events"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, frames chan<- wsEnvelope, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == protocol.TypeErrorEvent && verbose {
			fmt.Fprintf(os.Stderr, "convreplay: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
		if env.Type != protocol.TypeBusEvent {
			continue
		}
		select {
		case frames <- env:
		default:
		}
	}
}

// interimPrefixes mimics a recognizer that revises its guess word by word.
func interimPrefixes(text string) []string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for i := 1; i < len(words); i++ {
		out = append(out, strings.Join(words[:i], " "))
	}
	return out
}

func sendUtterance(conn *websocket.Conn, text string, wordDelay time.Duration) error {
	for _, partial := range interimPrefixes(text) {
		if err := conn.WriteJSON(protocol.ClientTranscription{
			Type: protocol.TypeClientTranscription,
			Text: partial,
		}); err != nil {
			return err
		}
		if wordDelay > 0 {
			time.Sleep(wordDelay)
		}
	}
	return conn.WriteJSON(protocol.ClientTranscription{
		Type:    protocol.TypeClientTranscription,
		Text:    text,
		IsFinal: true,
	})
}

var errNoCommit = errors.New("utterance was not committed")

// awaitTurn waits for the utterance commit, then acknowledges playback of each
// dispatched response until every agent has spoken. It returns the time the
// first response was dispatched.
func awaitTurn(conn *websocket.Conn, frames <-chan wsEnvelope, readErrCh <-chan error, cfg options, want int) (time.Time, error) {
	timer := time.NewTimer(cfg.turnTimeout)
	defer timer.Stop()

	var (
		utteranceID string
		first       time.Time
		got         int
	)
	for {
		select {
		case err := <-readErrCh:
			return time.Time{}, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			if utteranceID == "" {
				return time.Time{}, errNoCommit
			}
			return time.Time{}, fmt.Errorf("timeout after %s with %d/%d responses", cfg.turnTimeout, got, want)
		case env := <-frames:
			switch env.Kind {
			case events.KindUtteranceCommitted:
				var p committedPayload
				if err := json.Unmarshal(env.Payload, &p); err == nil && utteranceID == "" {
					utteranceID = p.ID
				}
			case events.KindResponseDispatched:
				var p dispatchedPayload
				if err := json.Unmarshal(env.Payload, &p); err != nil || p.UtteranceID != utteranceID {
					continue
				}
				if first.IsZero() {
					first = time.Now()
				}
				got++
				if cfg.verbose {
					fmt.Printf("convreplay:   response agent=%s id=%s\n", p.AgentID, p.ResponseID)
				}
				if cfg.playback > 0 {
					time.Sleep(cfg.playback)
				}
				if err := conn.WriteJSON(protocol.ClientPlaybackComplete{
					Type:       protocol.TypeClientPlaybackComplete,
					ResponseID: p.ResponseID,
				}); err != nil {
					return time.Time{}, err
				}
				if got >= want {
					return first, nil
				}
			}
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted)-1) + 0.5)
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

func summarize(latencies []time.Duration, skipped int) string {
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return fmt.Sprintf("convreplay: turns=%d skipped=%d first_response p50=%s p95=%s max=%s",
		len(sorted), skipped,
		percentile(sorted, 0.50).Round(time.Millisecond),
		percentile(sorted, 0.95).Round(time.Millisecond),
		percentile(sorted, 1.0).Round(time.Millisecond))
}
