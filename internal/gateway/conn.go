package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

type outbound struct {
	payload []byte
	close   bool
}

// conn pumps one websocket. Inbound messages are handled strictly in arrival
// order on the read loop; everything outbound goes through send.
type conn struct {
	gateway      *Gateway
	ws           *websocket.Conn
	session      *Session
	defaultToken string
	send         chan outbound
	logger       *zap.Logger

	forwardMu     sync.Mutex
	cancelForward context.CancelFunc
}

// Serve runs the protocol on an upgraded websocket until either side closes
// it. defaultToken is used for join messages that carry no token.
func (g *Gateway) Serve(ctx context.Context, ws *websocket.Conn, defaultToken string) {
	session := NewSession()
	c := &conn{
		gateway:      g,
		ws:           ws,
		session:      session,
		defaultToken: defaultToken,
		send:         make(chan outbound, sendBufferSize),
		logger:       g.logger.With(zap.String("session_id", session.ID())),
	}

	ctx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		c.writeLoop(ctx)
	}()

	c.readLoop(ctx)

	c.stopForwarding()
	g.Leave(context.Background(), session)

	// Let the writer flush queued replies, such as a join rejection, before
	// the close frame.
	select {
	case c.send <- outbound{close: true}:
	case <-writerDone:
	case <-time.After(writeWait):
	}
	select {
	case <-writerDone:
	case <-time.After(writeWait):
	}
	cancel()
	<-writerDone
	_ = ws.Close()
}

func (c *conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if !c.handle(ctx, data) {
			return
		}
	}
}

// handle dispatches one inbound message and reports whether to keep reading.
func (c *conn) handle(ctx context.Context, data []byte) bool {
	var message inboundMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return c.replyError(ctx, newError(CodeInvalidRequest, "malformed message", err))
	}

	switch message.Type {
	case MessageJoin:
		token := message.Token
		if token == "" {
			token = c.defaultToken
		}
		result, err := c.gateway.Join(ctx, c.session, message.DocumentID, token)
		if err != nil {
			if CodeOf(err) == CodeInvalidRequest && c.session.State() == StateJoined {
				return c.replyError(ctx, err)
			}
			c.enqueue(ctx, outbound{payload: encode(joinRejectedMessage{
				Type:    MessageJoinRejected,
				Reason:  CodeOf(err),
				Message: messageOf(err),
			})})
			return false
		}
		if !c.enqueue(ctx, outbound{payload: encode(joinedMessage{
			Type:       MessageJoined,
			DocumentID: result.Snapshot.DocumentID,
			Content:    result.Snapshot.Content,
			Version:    result.Snapshot.Version,
			Presence:   result.Presence,
			Self:       result.Self,
		})}) {
			return false
		}
		c.startForwarding(ctx)
		return true

	case MessageChange:
		if message.Change == nil {
			return c.replyError(ctx, newError(CodeInvalidRequest, "change message without change", nil))
		}
		result, err := c.gateway.ApplyChange(ctx, c.session, *message.Change)
		if err != nil {
			return c.replyError(ctx, err)
		}
		return c.enqueue(ctx, outbound{payload: encode(changeAckMessage{
			Type:      MessageChangeAck,
			Change:    result.Change,
			Version:   result.Version,
			Duplicate: result.Duplicate,
		})})

	case MessageCursor:
		if message.Cursor == nil {
			return c.replyError(ctx, newError(CodeInvalidRequest, "cursor message without cursor", nil))
		}
		if err := c.gateway.UpdateCursor(ctx, c.session, *message.Cursor); err != nil {
			return c.replyError(ctx, err)
		}
		return true

	case MessageLeave:
		c.stopForwarding()
		c.gateway.Leave(ctx, c.session)
		return true

	default:
		return c.replyError(ctx, newError(CodeInvalidRequest, "unknown message type", nil))
	}
}

func (c *conn) replyError(ctx context.Context, err error) bool {
	reply := errorMessage{
		Type:    MessageError,
		Code:    CodeOf(err),
		Message: messageOf(err),
	}
	var gatewayErr *Error
	if errors.As(err, &gatewayErr) {
		reply.ConflictID = gatewayErr.ConflictID()
	}
	return c.enqueue(ctx, outbound{payload: encode(reply)})
}

// enqueue hands a frame to the write loop, giving up once the connection is
// shutting down.
func (c *conn) enqueue(ctx context.Context, frame outbound) bool {
	select {
	case c.send <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

// startForwarding copies the joined document broadcast into the send queue.
// A closed stream means the session fell behind: the client is told to resync
// and the connection is closed.
func (c *conn) startForwarding(ctx context.Context) {
	events := c.session.Events()
	if events == nil {
		return
	}
	documentID := c.session.DocumentID()
	forwardCtx, cancel := context.WithCancel(ctx)
	c.forwardMu.Lock()
	c.cancelForward = cancel
	c.forwardMu.Unlock()

	go func() {
		for {
			select {
			case <-forwardCtx.Done():
				return
			case event, ok := <-events:
				if !ok {
					c.logger.Warn("session missed a change broadcast; closing for resync",
						zap.String("document_id", documentID.String()),
					)
					if c.enqueue(forwardCtx, outbound{payload: encode(resyncRequiredMessage{
						Type:       MessageResyncRequired,
						DocumentID: documentID,
						Message:    "missed document changes; rejoin for a fresh snapshot",
					})}) {
						c.enqueue(forwardCtx, outbound{close: true})
					}
					return
				}
				if !c.enqueue(forwardCtx, outbound{payload: event.Payload}) {
					return
				}
			}
		}
	}()
}

func (c *conn) stopForwarding() {
	c.forwardMu.Lock()
	defer c.forwardMu.Unlock()
	if c.cancelForward != nil {
		c.cancelForward()
		c.cancelForward = nil
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.writeClose()
			return
		case frame := <-c.send:
			if frame.close {
				c.writeClose()
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// writeClose sends the close frame and bounds how long the read loop waits
// for the peer to answer it.
func (c *conn) writeClose() {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.ws.SetReadDeadline(time.Now().Add(writeWait))
}

func encode(message any) []byte {
	payload, err := json.Marshal(message)
	if err != nil {
		payload, _ = json.Marshal(errorMessage{Type: MessageError, Code: CodeInvalidRequest, Message: "unencodable reply"})
	}
	return payload
}

func messageOf(err error) string {
	var gatewayErr *Error
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Message()
	}
	return err.Error()
}
