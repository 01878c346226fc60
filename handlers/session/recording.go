package session

import (
	"io"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/Kenny010604/SERENVOICE-sub000/utils/middleware"
	"github.com/Kenny010604/SERENVOICE-sub000/utils/response"
)

// maxAudioBytes caps a single voice sample upload (10 MiB)
const maxAudioBytes = 10 << 20

// StartRecording handles POST /api/v1/sessions/:id/recording/start
func (h *SessionHandler) StartRecording(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	participation, err := h.sessions.StartRecording(c.Context(), c.Params("id"), userID)
	if err != nil {
		return respondServiceError(c, err)
	}
	return response.Success(c, participation)
}

// CancelRecording handles POST /api/v1/sessions/:id/recording/cancel
func (h *SessionHandler) CancelRecording(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	participation, err := h.sessions.CancelRecording(c.Context(), c.Params("id"), userID)
	if err != nil {
		return respondServiceError(c, err)
	}
	return response.Success(c, participation)
}

// SubmitRecording handles POST /api/v1/sessions/:id/recording/submit.
// Multipart form: "audio" file field plus "duration_seconds".
func (h *SessionHandler) SubmitRecording(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	fileHeader, err := c.FormFile("audio")
	if err != nil {
		return response.BadRequest(c, "Missing audio file")
	}
	if fileHeader.Size == 0 || fileHeader.Size > maxAudioBytes {
		return response.BadRequest(c, "Audio file is empty or too large")
	}

	durationSeconds, err := strconv.ParseFloat(c.FormValue("duration_seconds"), 64)
	if err != nil || durationSeconds <= 0 {
		return response.BadRequest(c, "Invalid duration_seconds")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return response.BadRequest(c, "Failed to read audio file")
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, maxAudioBytes))
	if err != nil {
		return response.BadRequest(c, "Failed to read audio file")
	}

	participation, err := h.sessions.SubmitParticipation(c.Context(), c.Params("id"), userID, audio, durationSeconds)
	if err != nil {
		return respondServiceError(c, err)
	}
	return response.Success(c, participation)
}

// RetryRecording handles POST /api/v1/sessions/:id/recording/retry - resets
// an errored participation so a fresh submission cycle can begin.
func (h *SessionHandler) RetryRecording(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	participation, err := h.sessions.RetryErrored(c.Context(), c.Params("id"), userID)
	if err != nil {
		return respondServiceError(c, err)
	}
	return response.Success(c, participation)
}
