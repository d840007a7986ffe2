package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-relay/service"
)

// socketMessage is the frame exchanged on /ws. Clients send
// {"type":"chat","text":...} text frames or raw audio as binary frames.
type socketMessage struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Response string `json:"response,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
	Error    string `json:"error,omitempty"`
	Status   int    `json:"status,omitempty"`
}

func (s *Server) registerSocket() {
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.serveSocket))
}

func (s *Server) serveSocket(ws *websocket.Conn) {
	s.logger.Info("websocket connected", zap.String("remote", ws.RemoteAddr().String()))
	defer s.logger.Info("websocket closed", zap.String("remote", ws.RemoteAddr().String()))

	// audio frames get the same cap as /transcribe uploads
	ws.SetReadLimit(int64(s.opts.BodyLimit))

	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read", zap.Int("limit", s.opts.BodyLimit), zap.Error(err))
			}
			return
		}

		var out socketMessage
		switch mt {
		case websocket.BinaryMessage:
			out = s.socketTranscribe(msg)
		case websocket.TextMessage:
			out = s.socketText(msg)
		default:
			continue
		}
		if err := ws.WriteJSON(out); err != nil {
			s.logger.Warn("websocket write", zap.Error(err))
			return
		}
	}
}

func (s *Server) socketTranscribe(audio []byte) socketMessage {
	text, err := s.relay.Transcribe(context.Background(), bytes.NewReader(audio))
	if err != nil {
		s.logger.Error("transcribe", zap.String("stage", string(service.StageOf(err))), zap.Error(err))
		return socketMessage{Type: "error", Error: s.errorMessage(err), Status: fiber.StatusInternalServerError}
	}
	return socketMessage{Type: "transcript", Text: text}
}

func (s *Server) socketText(raw []byte) socketMessage {
	var in socketMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		return socketMessage{Type: "error", Error: "invalid JSON", Status: fiber.StatusBadRequest}
	}
	if in.Type != "chat" {
		return socketMessage{Type: "error", Error: "unknown message type", Status: fiber.StatusBadRequest}
	}

	res, err := s.relay.Chat(context.Background(), in.Text)
	if errors.Is(err, service.ErrEmptyText) {
		return socketMessage{Type: "error", Error: "No text provided", Status: fiber.StatusBadRequest}
	}
	if err != nil {
		s.logger.Error("chat", zap.String("stage", string(service.StageOf(err))), zap.Error(err))
		return socketMessage{Type: "error", Error: s.errorMessage(err), Status: fiber.StatusInternalServerError}
	}
	return socketMessage{Type: "reply", Response: res.Reply, AudioURL: res.AudioURL}
}
