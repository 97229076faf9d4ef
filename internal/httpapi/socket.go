package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/agentworkforce/relaysync/internal/collab"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// handleSocket authenticates the upgrade, registers the connection with
// the hub and runs it until either side goes away.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeToken(socketToken(r), s.cfg.JWTSecret, s.cfg.JWTAudience, scopeConnect, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{SubprotocolJSON, SubprotocolCBOR},
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	ws.SetReadLimit(s.cfg.MaxFrameBytes)

	connectionID := s.newConnectionID()
	conn, err := s.hub.Connect(r.Context(), connectionID, claims.UserID)
	if err != nil {
		status, reason := closeStatusFor(err)
		s.logger.Debug().Err(err).Str("connection", connectionID).Msg("socket registration failed")
		_ = ws.Close(status, reason)
		return
	}
	session := &socketSession{
		server: s,
		ws:     ws,
		conn:   conn,
		codec:  codecFor(ws.Subprotocol()),
		logger: s.logger.With().Str("connection", connectionID).Str("user", claims.UserID).Logger(),
	}
	session.run(r.Context())
}

type socketSession struct {
	server *Server
	ws     *websocket.Conn
	conn   *collab.Connection
	codec  frameCodec
	logger zerolog.Logger
}

func (ss *socketSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ss.server.hub.Disconnect(ss.conn.ID)

	ss.logger.Info().Str("protocol", ss.codec.Subprotocol()).Msg("socket connected")
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ss.writeLoop(ctx)
	}()

	status, reason := ss.readLoop(ctx)
	cancel()
	<-writerDone
	_ = ss.ws.Close(status, reason)
	ss.logger.Info().Int("status", int(status)).Str("reason", reason).Msg("socket closed")
}

// writeLoop drains the outbox onto the socket. An outbox closed by the
// hub (eviction or shutdown) ends the session.
func (ss *socketSession) writeLoop(ctx context.Context) {
	outbox := ss.conn.Outbox()
	for {
		msg, ok := outbox.Dequeue(ctx)
		if !ok {
			select {
			case <-outbox.Done():
				if ctx.Err() == nil {
					_ = ss.ws.Close(websocket.StatusPolicyViolation, "connection evicted")
				}
			default:
			}
			return
		}
		data, err := ss.codec.Encode(envelopeFor(msg))
		if err != nil {
			ss.logger.Error().Err(err).Str("type", msg.Type).Msg("encode frame failed")
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, ss.server.cfg.WriteTimeout)
		err = ss.ws.Write(writeCtx, ss.codec.MessageType(), data)
		cancel()
		if err != nil {
			ss.logger.Debug().Err(err).Msg("socket write failed")
			return
		}
	}
}

// readLoop handles inbound frames one at a time so replies keep request
// order. A connection that stays silent past the idle timeout is closed.
func (ss *socketSession) readLoop(ctx context.Context) (websocket.StatusCode, string) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, ss.server.cfg.IdleTimeout)
		typ, data, err := ss.ws.Read(readCtx)
		idle := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			switch {
			case idle:
				return websocket.StatusPolicyViolation, "idle timeout"
			case websocket.CloseStatus(err) != -1:
				return websocket.StatusNormalClosure, ""
			case ctx.Err() != nil:
				return websocket.StatusGoingAway, "server closing"
			default:
				ss.logger.Debug().Err(err).Msg("socket read failed")
				return websocket.StatusInternalError, "read failed"
			}
		}
		if typ != ss.codec.MessageType() {
			ss.reply(collab.Message{Type: collab.TypeError, Data: collab.ErrorPayload{Code: "bad_request", Message: "unexpected frame encoding"}})
			continue
		}
		env, err := ss.codec.Decode(data)
		if err != nil {
			ss.replyError(Envelope{}, err)
			continue
		}
		ss.dispatch(ctx, env)
	}
}

func (ss *socketSession) dispatch(ctx context.Context, env Envelope) {
	hub := ss.server.hub
	workspaceID := strings.TrimSpace(env.WorkspaceID)
	switch env.Type {
	case frameWorkspaceJoin:
		snapshot, err := hub.Join(ctx, ss.conn.ID, workspaceID)
		if err != nil {
			ss.replyError(env, err)
			return
		}
		ss.reply(collab.Message{Type: collab.TypeWorkspaceJoined, RequestID: env.RequestID, WorkspaceID: workspaceID, Data: snapshot})
	case frameWorkspaceLeave:
		hub.Leave(ss.conn.ID, workspaceID)
		ss.reply(collab.Message{Type: collab.TypeWorkspaceLeft, RequestID: env.RequestID, WorkspaceID: workspaceID})
	case framePresenceHeartbeat:
		if err := hub.Heartbeat(ss.conn.ID, workspaceID); err != nil {
			ss.replyError(env, err)
			return
		}
		if env.RequestID != "" {
			ss.reply(collab.Message{Type: collab.TypeHeartbeatAck, RequestID: env.RequestID, WorkspaceID: workspaceID})
		}
	case framePresenceMembers:
		snapshot, err := hub.Members(ss.conn.ID, workspaceID)
		if err != nil {
			ss.replyError(env, err)
			return
		}
		ss.reply(collab.Message{Type: collab.TypePresenceMembers, RequestID: env.RequestID, WorkspaceID: workspaceID, Data: snapshot})
	case frameDocumentLoad:
		if err := hub.Joined(ss.conn.ID, workspaceID); err != nil {
			ss.replyError(env, err)
			return
		}
		doc, err := hub.LoadDocument(ctx, workspaceID, env.ResourceID)
		if err != nil {
			ss.replyError(env, err)
			return
		}
		ss.reply(collab.Message{Type: collab.TypeDocumentLoaded, RequestID: env.RequestID, WorkspaceID: workspaceID, ResourceID: doc.ResourceID, Data: doc})
	case frameDocumentSave:
		if err := hub.Joined(ss.conn.ID, workspaceID); err != nil {
			ss.replyError(env, err)
			return
		}
		doc, err := hub.SaveDocument(ctx, workspaceID, ss.conn.ID, collab.SaveRequest{
			ResourceID:      env.ResourceID,
			Body:            env.Body,
			ExpectedVersion: env.ExpectedVersion,
			WriterID:        ss.conn.UserID,
		})
		if err != nil {
			ss.replyError(env, err)
			return
		}
		ss.reply(collab.Message{Type: collab.TypeDocumentSaved, RequestID: env.RequestID, WorkspaceID: workspaceID, ResourceID: doc.ResourceID, Data: collab.DocumentNotice{
			ResourceID: doc.ResourceID,
			Version:    doc.Version,
			WriterID:   doc.WriterID,
			Checksum:   doc.Checksum,
		}})
	default:
		ss.replyError(env, collab.ErrInvalidInput)
	}
}

// closeStatusFor maps a hub error onto the close frame sent before a
// session starts.
func closeStatusFor(err error) (websocket.StatusCode, string) {
	if errors.Is(err, collab.ErrClosed) {
		return websocket.StatusGoingAway, "server closing"
	}
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		return websocket.StatusInternalError, code
	}
	return websocket.StatusPolicyViolation, code
}

func (ss *socketSession) replyError(env Envelope, err error) {
	_, code := errorStatus(err)
	if code == "internal_error" {
		ss.logger.Error().Err(err).Str("type", env.Type).Msg("socket request failed")
	}
	ss.reply(collab.Message{
		Type:        collab.TypeError,
		RequestID:   env.RequestID,
		WorkspaceID: env.WorkspaceID,
		ResourceID:  env.ResourceID,
		Data:        collab.ErrorPayload{Code: code, Message: err.Error()},
	})
}

// reply queues a direct response behind any broadcasts already waiting
// for this connection. A client too slow to take its own replies is
// disconnected.
func (ss *socketSession) reply(msg collab.Message) {
	err := ss.conn.Send(msg)
	if err == nil {
		return
	}
	ss.logger.Debug().Err(err).Str("type", msg.Type).Msg("reply dropped")
	if !errors.Is(err, collab.ErrClosed) {
		_ = ss.conn.Outbox().Close()
	}
}
