package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lcorbo/voxhub/internal/protocol"
	"github.com/lcorbo/voxhub/internal/session"
	"github.com/lcorbo/voxhub/internal/turn"
)

// handleSessionWS attaches one websocket connection to an existing session.
// The connection drives the state machine from inbound frames; everything
// the session emits flows back on the single writer goroutine.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}

	m, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := m.Connect(ctx); err != nil && !errors.Is(err, session.ErrInvalidState) {
		// Reconnecting to a live session is allowed; a real handshake
		// failure is not.
		return
	}

	local := make(chan any, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-m.Events():
				if !s.writeFrame(conn, msg, cancel) {
					return
				}
			case msg := <-local:
				if !s.writeFrame(conn, msg, cancel) {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.gatewayError(local, sessionID, "invalid_client_message", err)
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		m.Touch()

		switch msg := parsed.(type) {
		case protocol.ClientAudioChunk:
			s.handleAudioChunk(m, local, sessionID, msg)
		case protocol.ClientText:
			s.handleTextQuery(m, local, sessionID, msg)
		case protocol.ClientControl:
			if !s.handleControl(m, local, sessionID, msg) {
				break readLoop
			}
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// handleAudioChunk appends one voice fragment, opening a capture first when
// the client streams without an explicit start_capture.
func (s *Server) handleAudioChunk(m *session.Machine, local chan<- any, sessionID string, msg protocol.ClientAudioChunk) {
	audio, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
	if err != nil {
		s.gatewayError(local, sessionID, "invalid_audio", err)
		return
	}

	appendErr := m.AppendInput(turn.Fragment{Audio: audio})
	if errors.Is(appendErr, session.ErrInvalidState) {
		if err := m.BeginCapture(turn.OriginVoice); err != nil {
			s.gatewayError(local, sessionID, "invalid_state", err)
			return
		}
		appendErr = m.AppendInput(turn.Fragment{Audio: audio})
	}
	if appendErr != nil {
		s.gatewayError(local, sessionID, "invalid_state", appendErr)
	}
}

// handleTextQuery runs one typed exchange: capture opens, the text lands as
// a single fragment and the turn is submitted immediately.
func (s *Server) handleTextQuery(m *session.Machine, local chan<- any, sessionID string, msg protocol.ClientText) {
	if err := m.BeginCapture(turn.OriginText); err != nil {
		s.gatewayError(local, sessionID, "invalid_state", err)
		return
	}
	if err := m.AppendInput(turn.Fragment{Text: msg.Text}); err != nil {
		s.gatewayError(local, sessionID, "invalid_state", err)
		return
	}
	if _, err := m.EndCapture(); err != nil {
		s.gatewayError(local, sessionID, "invalid_state", err)
	}
}

// handleControl returns false when the connection should close.
func (s *Server) handleControl(m *session.Machine, local chan<- any, sessionID string, msg protocol.ClientControl) bool {
	var err error
	switch msg.Action {
	case protocol.ActionStartCapture:
		err = m.BeginCapture(turn.OriginVoice)
	case protocol.ActionStopCapture:
		_, err = m.EndCapture()
	case protocol.ActionCancel:
		err = m.Cancel()
	case protocol.ActionDisconnect:
		if _, endErr := s.sessions.End(m.ID(), "client_request"); endErr != nil {
			m.Disconnect("client_request")
		}
		return false
	}
	if err != nil {
		s.gatewayError(local, sessionID, "invalid_state", err)
	}
	return true
}

func (s *Server) writeFrame(conn *websocket.Conn, msg any, cancel context.CancelFunc) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.WSMessages.WithLabelValues("outbound", "write_error").Inc()
		cancel()
		return false
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
	}
	return true
}

func (s *Server) gatewayError(local chan<- any, sessionID, code string, err error) {
	event := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Retryable: false,
		Detail:    err.Error(),
	}
	select {
	case local <- event:
	default:
		// Keep websocket writes single-threaded; drop if the queue is full.
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientText:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TranscriptPartial:
		return m.Type, true
	case protocol.TranscriptFinal:
		return m.Type, true
	case protocol.ResponsePartial:
		return m.Type, true
	case protocol.ResponseFinal:
		return m.Type, true
	case protocol.AudioChunk:
		return m.Type, true
	case protocol.StateEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
