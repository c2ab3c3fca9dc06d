package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/protocol"
)

// handleChatWS runs turns over one websocket. A connection carries at most
// one turn at a time; a cancel message aborts it, or cancels a collection
// when it names a session.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan protocol.Event, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, protocol.Encode(e)); err != nil {
					s.logger.Debug("websocket write failed", zap.String("user_id", userID), zap.Error(err))
					cancel()
					return
				}
				s.metrics.StreamFrame("ws", string(protocol.TypeOf(e)))
			}
		}
	}()

	// send never blocks the reader for long: it gives up when the
	// connection closes.
	send := func(ctx context.Context, e protocol.Event) bool {
		select {
		case outbound <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		turnCancel context.CancelFunc
		turnDone   chan struct{}
	)
	busy := func() bool {
		if turnDone == nil {
			return false
		}
		select {
		case <-turnDone:
			return false
		default:
			return true
		}
	}

	conn.SetReadLimit(1 << 20)
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
			if !send(ctx, protocol.Error{Code: protocol.CodeValidation, Message: err.Error()}) {
				break readLoop
			}
			continue
		}

		switch m := parsed.(type) {
		case protocol.ClientTurn:
			if busy() {
				if !send(ctx, protocol.Error{Code: protocol.CodeSessionBusy, Message: "a turn is already in progress"}) {
					break readLoop
				}
				continue
			}
			req := m.TurnRequest
			// The connection owns the user id.
			req.UserID = userID
			turnCtx, tc := s.turnContext(ctx)
			done := make(chan struct{})
			turnCancel, turnDone = tc, done
			go func() {
				defer close(done)
				defer tc()
				for e := range s.orchestrator.Turn(turnCtx, req) {
					if !send(turnCtx, e) {
						return
					}
				}
			}()
		case protocol.ClientCancel:
			if m.SessionID != "" {
				if _, err := s.orchestrator.Cancel(ctx, userID, m.SessionID, collection.CancelUserCommand); err != nil {
					s.logger.Info("websocket cancel failed", zap.String("user_id", userID), zap.String("session_id", m.SessionID), zap.Error(err))
				}
				continue
			}
			if turnCancel != nil {
				turnCancel()
			}
		}
	}

	cancel()
	if turnDone != nil {
		<-turnDone
	}
	<-writerDone
}
