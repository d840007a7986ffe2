package server

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-relay/service"
)

type chatRequest struct {
	Text string `json:"text"`
}

type chatResponse struct {
	Response string `json:"response"`
	AudioURL string `json:"audio_url"`
}

func (s *Server) index(c *fiber.Ctx) error {
	c.Type("html", "utf-8")
	return c.Send(indexHTML)
}

// POST /transcribe: multipart field "audio" → {"text"}
func (s *Server) transcribe(c *fiber.Ctx) error {
	fh, err := c.FormFile("audio")
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "No audio part")
	}
	src, err := fh.Open()
	if err != nil {
		s.logger.Error("open upload", zap.Error(err))
		return writeError(c, fiber.StatusInternalServerError, s.errorMessage(err))
	}
	defer src.Close()

	text, err := s.relay.Transcribe(c.UserContext(), src)
	if err != nil {
		s.logger.Error("transcribe", zap.String("stage", string(service.StageOf(err))), zap.Error(err))
		return writeError(c, fiber.StatusInternalServerError, s.errorMessage(err))
	}
	return c.JSON(fiber.Map{"text": text})
}

// POST /chat: {"text"} → {"response", "audio_url"}
func (s *Server) chat(c *fiber.Ctx) error {
	var req chatRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid JSON")
	}

	res, err := s.relay.Chat(c.UserContext(), req.Text)
	if errors.Is(err, service.ErrEmptyText) {
		return writeError(c, fiber.StatusBadRequest, "No text provided")
	}
	if err != nil {
		s.logger.Error("chat", zap.String("stage", string(service.StageOf(err))), zap.Error(err))
		return writeError(c, fiber.StatusInternalServerError, s.errorMessage(err))
	}
	return c.JSON(chatResponse{Response: res.Reply, AudioURL: res.AudioURL})
}
