package delivery

import (
	"errors"
	"strconv"

	"matchchat/internal/chat"
	"matchchat/internal/domain"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return fiber.StatusTooManyRequests
	case errors.Is(err, domain.ErrDuplicate), errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrBusy):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) fail(c *fiber.Ctx, err error, message string) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		s.logger.Error(message, zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
		"error":   err.Error(),
	})
}

func currentUser(c *fiber.Ctx) string {
	userID, _ := c.Locals(localUserID).(string)
	return userID
}

func messageID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidPayload
	}
	return id, nil
}

func (s *Server) handleGetMessages(c *fiber.Ctx) error {
	other := c.Query("conversationWith")
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)

	msgs, err := s.messages.History(c.UserContext(), currentUser(c), other, page, limit)
	if err != nil {
		return s.fail(c, err, "Failed to get messages")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Messages retrieved successfully",
		"data":    msgs,
	})
}

func (s *Server) handleCreateMessage(c *fiber.Ctx) error {
	var req domain.CreateMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, domain.ErrInvalidPayload, "Invalid request body")
	}
	userID := currentUser(c)
	if req.SenderID != "" && req.SenderID != userID {
		return s.fail(c, domain.ErrForbidden, "Cannot send as another user")
	}

	res, err := s.messages.Submit(c.UserContext(), chat.SubmitRequest{
		SenderID:   userID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		ClientID:   req.ClientID,
	})
	if err != nil {
		return s.fail(c, err, "Failed to send message")
	}

	if res.Message.Status == domain.StatusFailed {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Message could not be stored",
			"data": fiber.Map{
				"clientId": res.Message.ClientID,
				"status":   res.Message.Status,
			},
			"error": res.Reason,
		})
	}

	status := fiber.StatusCreated
	if res.Replayed {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"message": "Message sent",
		"data":    res.Message,
	})
}

func (s *Server) handleEditMessage(c *fiber.Ctx) error {
	id, err := messageID(c)
	if err != nil {
		return s.fail(c, err, "Invalid message id")
	}
	var req domain.EditMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, domain.ErrInvalidPayload, "Invalid request body")
	}

	msg, err := s.messages.Edit(c.UserContext(), currentUser(c), id, req.Content)
	if err != nil {
		return s.fail(c, err, "Failed to edit message")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Message updated",
		"data":    msg,
	})
}

func (s *Server) handleDeleteMessage(c *fiber.Ctx) error {
	id, err := messageID(c)
	if err != nil {
		return s.fail(c, err, "Invalid message id")
	}

	msg, err := s.messages.Delete(c.UserContext(), currentUser(c), id)
	if err != nil {
		return s.fail(c, err, "Failed to delete message")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Message deleted",
		"data":    msg,
	})
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	var req domain.MarkReadRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, domain.ErrInvalidPayload, "Invalid request body")
	}

	n, err := s.messages.MarkRead(c.UserContext(), currentUser(c), req.ConversationWith, req.MessageIDs)
	if err != nil {
		return s.fail(c, err, "Failed to mark messages read")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Messages marked as read",
		"data":    fiber.Map{"updated": n},
	})
}

func (s *Server) handleGetPresence(c *fiber.Ctx) error {
	rec, err := s.presence.Get(c.UserContext(), c.Params("userId"))
	if err != nil {
		return s.fail(c, err, "Failed to get presence")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Presence retrieved successfully",
		"data":    rec,
	})
}

func (s *Server) handleGetTyping(c *fiber.Ctx) error {
	conv := domain.ConversationID(currentUser(c), c.Params("userId"))
	users, err := s.presence.TypingUsers(c.UserContext(), conv)
	if err != nil {
		return s.fail(c, err, "Failed to get typing users")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Typing users retrieved successfully",
		"data":    users,
	})
}
