package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/conversations"
	"github.com/MarcoPoloResearchLab/bavard/internal/media"
	"github.com/MarcoPoloResearchLab/bavard/internal/messaging"
	"github.com/gin-gonic/gin"
)

const (
	maxUploadBytes      = media.MaxUploadBytes
	defaultHistoryLimit = 100

	opSendAttachment       = "messaging.send_attachment"
	reasonUploadTooLarge   = "upload_too_large"
	reasonUnreadableUpload = "unreadable_upload"
)

var errUploadTooLarge = errors.New("upload exceeds size limit")

type addContactPayload struct {
	Identifier string `json:"identifier"`
}

type sendMessagePayload struct {
	Kind     string `json:"kind"`
	Text     string `json:"text"`
	MediaURL string `json:"media_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	ViewOnce bool   `json:"view_once,omitempty"`
}

type markReadPayload struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

func (h *httpHandler) handleListContacts(c *gin.Context) {
	list, err := h.contacts.List(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": list})
}

func (h *httpHandler) handleAddContact(c *gin.Context) {
	var request addContactPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Identifier) == "" {
		invalidRequest(c)
		return
	}
	contact, err := h.contacts.AddContact(c.Request.Context(), c.GetString(userIDContextKey), request.Identifier)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contact)
}

func (h *httpHandler) handleRemoveContact(c *gin.Context) {
	if err := h.contacts.RemoveContact(c.Request.Context(), c.GetString(userIDContextKey), c.Param("contactID")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSend(c *gin.Context) {
	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	kind, err := conversations.ParsePayloadKind(request.Kind)
	if err != nil {
		h.respondErrorWith(c, apperrors.Invalid("messaging.send", "invalid_kind", err), gin.H{"draft": request})
		return
	}
	result, err := h.messaging.Send(c.Request.Context(), messaging.SendRequest{
		SenderID:    c.GetString(userIDContextKey),
		RecipientID: c.Param("peerID"),
		Payload: conversations.Payload{
			Kind:     kind,
			Text:     request.Text,
			MediaURL: request.MediaURL,
			FileName: request.FileName,
		},
		ViewOnce: request.ViewOnce,
	})
	if err != nil {
		h.respondErrorWith(c, err, gin.H{"draft": request})
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handleSendAttachment(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		invalidRequest(c)
		return
	}
	data, err := readUpload(opSendAttachment, file)
	if err != nil {
		h.respondError(c, err)
		return
	}
	kind, err := conversations.ParsePayloadKind(c.PostForm("kind"))
	if err != nil {
		h.respondError(c, apperrors.Invalid(opSendAttachment, "invalid_kind", err))
		return
	}
	viewOnce, _ := strconv.ParseBool(c.PostForm("view_once"))
	result, err := h.messaging.SendAttachment(c.Request.Context(), messaging.AttachmentRequest{
		SenderID:    c.GetString(userIDContextKey),
		RecipientID: c.Param("peerID"),
		Kind:        kind,
		Data:        data,
		FileName:    file.Filename,
		Caption:     c.PostForm("caption"),
		ViewOnce:    viewOnce,
	})
	if err != nil {
		h.respondErrorWith(c, err, gin.H{"draft": gin.H{"kind": string(kind), "file_name": file.Filename, "caption": c.PostForm("caption")}})
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handleOpen(c *gin.Context) {
	result, err := h.messaging.Open(c.Request.Context(), c.GetString(userIDContextKey), c.Param("peerID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	afterMs, _ := strconv.ParseInt(c.Query("after"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit <= 0 {
		limit = defaultHistoryLimit
	}
	messages, err := h.messaging.History(c.Request.Context(), c.GetString(userIDContextKey), c.Param("peerID"), afterMs, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	var request markReadPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.TimestampMs < 0 {
		invalidRequest(c)
		return
	}
	advanced, err := h.messaging.MarkRead(c.Request.Context(), c.GetString(userIDContextKey), c.Param("peerID"), request.TimestampMs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": advanced})
}

func (h *httpHandler) handlePurge(c *gin.Context) {
	result, err := h.messaging.Purge(c.Request.Context(), c.GetString(userIDContextKey), c.Param("peerID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleUnread(c *gin.Context) {
	count, err := h.messaging.Unread(c.Request.Context(), c.GetString(userIDContextKey), c.Param("peerID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *httpHandler) handleReveal(c *gin.Context) {
	message, err := h.messaging.Reveal(c.Request.Context(), c.Param("messageID"), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

// readUpload reads at most one byte past the limit so oversized files are
// rejected instead of stored truncated.
func readUpload(operation string, header *multipart.FileHeader) ([]byte, error) {
	if header.Size > maxUploadBytes {
		return nil, apperrors.Invalid(operation, reasonUploadTooLarge, errUploadTooLarge)
	}
	file, err := header.Open()
	if err != nil {
		return nil, apperrors.Invalid(operation, reasonUnreadableUpload, err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return nil, apperrors.Invalid(operation, reasonUnreadableUpload, err)
	}
	if len(data) > maxUploadBytes {
		return nil, apperrors.Invalid(operation, reasonUploadTooLarge, errUploadTooLarge)
	}
	return data, nil
}
