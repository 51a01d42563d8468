package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/medintel/internal/apperr"
	"github.com/ent0n29/medintel/internal/pipeline"
	"github.com/ent0n29/medintel/internal/protocol"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
	wsOutboundSize = 64
	wsTurnTimeout  = 2 * time.Minute
)

var errObserverClosed = errors.New("observer disconnected")

// wsObserver is the fan-out handle for one websocket connection. Frames are
// queued and written by a single writer goroutine.
type wsObserver struct {
	id             string
	conversationID string
	out            chan any
	done           chan struct{}
	closeOnce      sync.Once
}

func newWSObserver(conversationID string) *wsObserver {
	return &wsObserver{
		id:             uuid.NewString(),
		conversationID: conversationID,
		out:            make(chan any, wsOutboundSize),
		done:           make(chan struct{}),
	}
}

func (o *wsObserver) ID() string { return o.id }

func (o *wsObserver) Send(ctx context.Context, text string) error {
	return o.enqueue(ctx, protocol.NewAssistantMessage(o.conversationID, text))
}

func (o *wsObserver) enqueue(ctx context.Context, frame any) error {
	select {
	case <-o.done:
		return errObserverClosed
	default:
	}
	select {
	case o.out <- frame:
		return nil
	case <-o.done:
		return errObserverClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *wsObserver) Close() error {
	o.closeOnce.Do(func() { close(o.done) })
	return nil
}

func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "conversationID"))
	if conversationID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "conversation id is required")
		return
	}
	if s.registry == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "realtime fan-out not configured")
		return
	}
	if _, err := s.turns.Conversation(r.Context(), conversationID); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	obs := newWSObserver(conversationID)
	s.registry.Join(conversationID, obs)
	defer s.registry.Leave(conversationID, obs)
	defer obs.Close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, obs)
	}()

	s.logger.Debug().Str("conversation_id", conversationID).Str("observer_id", obs.ID()).Msg("websocket connected")
	s.queueDirect(ctx, obs, protocol.NewSystemEvent(conversationID, "observer_joined", obs.ID()))
	s.readLoop(ctx, conn, obs)

	cancel()
	<-writerDone
	s.logger.Debug().Str("conversation_id", conversationID).Str("observer_id", obs.ID()).Msg("websocket disconnected")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, obs *wsObserver) {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.ObserveWSMessage("inbound", "invalid")
			s.queueDirect(ctx, obs, protocol.NewErrorEvent(obs.conversationID, "invalid_client_message", err.Error(), false))
			continue
		}
		s.metrics.ObserveWSMessage("inbound", string(msg.Type))

		if err := s.runTurn(ctx, obs, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			code := apperr.CodeOf(err)
			s.queueDirect(ctx, obs, protocol.NewErrorEvent(obs.conversationID, strings.ToLower(string(code)), errorDetail(err), code == apperr.Unavailable))
		}
	}
}

// runTurn processes one inbound message. The turn is bound to wsTurnTimeout
// rather than the socket, so other observers still get the reply when the
// sender disconnects mid-generation. The reply reaches this socket through
// the registry broadcast.
func (s *Server) runTurn(ctx context.Context, obs *wsObserver, msg protocol.UserMessage) error {
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wsTurnTimeout)
	defer cancel()
	_, err := s.turns.ProcessTurn(turnCtx, pipeline.TurnInput{
		ConversationID:   obs.conversationID,
		Text:             msg.Text,
		ExplicitLanguage: msg.Language,
	})
	return err
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, obs *wsObserver) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-obs.done:
			// Dropped by the registry; closing the socket ends the read loop.
			_ = conn.Close()
			cancel()
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				_ = conn.Close()
				return
			}
		case frame := <-obs.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				cancel()
				_ = conn.Close()
				return
			}
			if t, ok := messageTypeOf(frame); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}
}

// queueDirect sends a frame to one observer only, dropping it if the queue is full.
func (s *Server) queueDirect(ctx context.Context, obs *wsObserver, frame any) {
	sendCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := obs.enqueue(sendCtx, frame); err != nil {
		s.metrics.ObserveWSMessage("outbound", "drop")
	}
}

func errorDetail(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return "internal error"
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.AssistantMessage:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
