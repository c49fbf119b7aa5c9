package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/convmode/internal/coordinator"
	"github.com/ent0n29/convmode/internal/events"
	"github.com/ent0n29/convmode/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	maxReplay      = 128
)

// handleEventsWS streams bus events to the client and accepts client frames
// (transcriptions, typed text, playback signals, control). ?replay=N first
// sends up to N recent events so a late subscriber can catch up.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	replay, _ := strconv.Atoi(r.URL.Query().Get("replay"))
	replay = min(max(replay, 0), maxReplay)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading history so nothing falls in between.
	sub := c.Bus().Subscribe()
	defer sub.Close()
	snap := c.Snapshot()
	var recent []events.Event
	if replay > 0 {
		recent = c.Bus().Recent(replay)
	}

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		write := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("websocket write failed", "conversation_id", c.ID(), "err", err)
				cancel()
				return false
			}
			s.metrics.ObserveWSMessage("outbound", string(messageTypeOf(msg)))
			return true
		}

		if !write(protocol.Hello{Type: protocol.TypeHello, ConversationID: c.ID(), LastSeq: snap.LastSeq, Snapshot: snap}) {
			return
		}
		var last uint64
		for _, evt := range recent {
			if !write(protocol.NewBusEvent(evt)) {
				return
			}
			last = evt.Seq
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.Events():
				if !ok {
					cancel()
					return
				}
				if evt.Seq <= last {
					continue
				}
				if !write(protocol.NewBusEvent(evt)) {
					return
				}
			case msg := <-outbound:
				// Events published while the client frame was applied go first.
				for pending := true; pending; {
					select {
					case evt, ok := <-sub.Events():
						if !ok {
							cancel()
							return
						}
						if evt.Seq > last && !write(protocol.NewBusEvent(evt)) {
							return
						}
					default:
						pending = false
					}
				}
				if !write(msg) {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		var reply any
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			reply = protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			}
		} else {
			s.metrics.ObserveWSMessage("inbound", string(messageTypeOf(parsed)))
			reply = s.applyClientMessage(ctx, c, parsed)
		}
		select {
		case outbound <- reply:
		case <-ctx.Done():
		default:
			// The writer owns the connection; drop the reply rather than block reads.
			s.metrics.ObserveWSMessage("outbound_dropped", string(messageTypeOf(reply)))
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) applyClientMessage(ctx context.Context, c *coordinator.Coordinator, msg any) any {
	var (
		result any
		err    error
		of     protocol.MessageType
	)
	switch m := msg.(type) {
	case protocol.ClientTranscription:
		of = m.Type
		result, err = c.SubmitTranscription(m.Text, m.IsFinal)
	case protocol.ClientText:
		of = m.Type
		result, err = c.SubmitText(m.Text)
	case protocol.ClientPlaybackComplete:
		of = m.Type
		result = c.PlaybackComplete(m.ResponseID)
	case protocol.ClientControl:
		of = m.Type
		switch m.Action {
		case protocol.ActionActivate:
			result, err = c.ActivateVoiceMode(ctx, m.AgentIDs, nil)
		case protocol.ActionDeactivate:
			err = c.DeactivateVoiceMode()
		case protocol.ActionReset:
			err = c.Reset()
		case protocol.ActionInterruptible:
			c.SetInterruptible(*m.Interruptible)
		}
		if err == nil && result == nil {
			result = c.Snapshot()
		}
	}
	if err != nil {
		_, code := errorStatus(err)
		return protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   code,
			Source: "coordinator",
			Detail: err.Error(),
		}
	}
	return protocol.Ack{Type: protocol.TypeAck, Of: of, Result: result}
}

func messageTypeOf(v any) protocol.MessageType {
	switch m := v.(type) {
	case protocol.ClientTranscription:
		return m.Type
	case protocol.ClientText:
		return m.Type
	case protocol.ClientPlaybackComplete:
		return m.Type
	case protocol.ClientControl:
		return m.Type
	case protocol.Hello:
		return m.Type
	case protocol.BusEvent:
		return m.Type
	case protocol.Ack:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	default:
		return "unknown"
	}
}
