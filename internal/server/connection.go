package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatroom/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientFrame = 64 << 10
)

// roomConnection serves one member over a websocket. Outbound frames come from the hub stream
// through writeLoop; inbound frames are applied by readLoop.
type roomConnection struct {
	hub      *RoomHub
	ws       *websocket.Conn
	room     string
	username string
	newID    func() (string, error)
	now      func() time.Time
	logger   *zap.Logger
}

func (c *roomConnection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, leave := c.hub.Join(ctx, c.room, c.username)
	defer leave()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		c.writeLoop(ctx, stream)
	}()

	c.readLoop()
	cancel()
	<-writerDone
	_ = c.ws.Close()
}

func (c *roomConnection) writeLoop(ctx context.Context, stream <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case payload := <-stream:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("room write failed", zap.String("room", c.room), zap.Error(err))
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *roomConnection) readLoop() {
	c.ws.SetReadLimit(maxClientFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("room read failed", zap.String("room", c.room), zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		if err := c.apply(data); err != nil {
			c.logger.Debug("client frame ignored",
				zap.String("room", c.room),
				zap.String("user", c.username),
				zap.Error(err))
		}
	}
}

var (
	errMalformedFrame   = errors.New("malformed client frame")
	errEmptyContent     = errors.New("empty message content")
	errUnknownFrameType = errors.New("unknown client frame type")
	errReactionRejected = errors.New("reaction rejected")
)

func (c *roomConnection) apply(data []byte) error {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return errors.Join(errMalformedFrame, err)
	}

	switch frame.Type {
	case protocol.TypeMessage:
		if strings.TrimSpace(frame.Content) == "" {
			return errEmptyContent
		}
		messageID, err := c.newID()
		if err != nil {
			return err
		}
		payload, err := encodeFrame(messageFrame{
			Type:      protocol.TypeMessage,
			User:      c.username,
			Content:   frame.Content,
			MessageID: messageID,
			Timestamp: c.now().UTC().Format(naiveTimestampLayout),
			ViewOnce:  frame.ViewOnce,
		})
		if err != nil {
			return err
		}
		c.hub.PublishMessage(c.room, messageID, payload)
		return nil
	case protocol.TypeAddReaction, protocol.TypeRemoveReaction:
		messageID := strings.TrimSpace(frame.targetMessageID())
		if messageID == "" || frame.Emoji == "" {
			return errMalformedFrame
		}
		var ok bool
		if frame.Type == protocol.TypeAddReaction {
			_, ok = c.hub.AddReaction(c.room, messageID, frame.Emoji, c.username)
		} else {
			_, ok = c.hub.RemoveReaction(c.room, messageID, frame.Emoji, c.username)
		}
		if !ok {
			return errReactionRejected
		}
		return nil
	default:
		return errUnknownFrameType
	}
}
