package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/assistant"
	"github.com/MarcoPoloResearchLab/bavard/internal/contacts"
	"github.com/MarcoPoloResearchLab/bavard/internal/media"
	"github.com/MarcoPoloResearchLab/bavard/internal/stories"
	"github.com/gin-gonic/gin"
)

const (
	opStoriesRoute = "server.stories"

	defaultNotificationLimit = 50
	defaultStoryKind         = "image"
)

var (
	errStoriesDisabled = errors.New("story store is not configured")
	errGatewayDisabled = errors.New("media gateway is not configured")
)

// mediaFetcher is implemented by gateways that keep uploads in process.
type mediaFetcher interface {
	Fetch(address media.ContentAddress) ([]byte, bool)
}

type markNotificationsPayload struct {
	IDs []string `json:"ids"`
}

type rankFeedPayload struct {
	Posts []assistant.Post `json:"posts"`
}

type storyListing struct {
	stories.Story
	Seen bool `json:"seen"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultNotificationLimit)))
	if err != nil || limit <= 0 {
		limit = defaultNotificationLimit
	}
	unreadOnly, _ := strconv.ParseBool(c.Query("unread"))
	list := h.notifications.ListRecent
	if unreadOnly {
		list = h.notifications.ListUnread
	}
	entries, err := list(c.Request.Context(), userID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": entries})
}

func (h *httpHandler) handleMarkNotificationsRead(c *gin.Context) {
	var request markNotificationsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	updated, err := h.notifications.MarkRead(c.Request.Context(), c.GetString(userIDContextKey), request.IDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *httpHandler) handleClearNotifications(c *gin.Context) {
	cleared, err := h.notifications.Clear(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (h *httpHandler) handleListStories(c *gin.Context) {
	if h.stories == nil {
		h.respondError(c, apperrors.Transient(opStoriesRoute, "disabled", errStoriesDisabled))
		return
	}
	ctx := c.Request.Context()
	userID := c.GetString(userIDContextKey)

	authorIDs := splitList(c.Query("authors"))
	if len(authorIDs) == 0 {
		list, err := h.contacts.List(ctx, userID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		authorIDs = append(authorIDs, userID)
		for _, contact := range list {
			if !contacts.IsReserved(contact.ID) {
				authorIDs = append(authorIDs, contact.ID)
			}
		}
	}

	active, err := h.stories.ListActive(ctx, authorIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	storyIDs := make([]string, 0, len(active))
	for _, story := range active {
		storyIDs = append(storyIDs, story.StoryID)
	}
	seen, err := h.stories.SeenBy(ctx, userID, storyIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	listing := make([]storyListing, 0, len(active))
	for _, story := range active {
		listing = append(listing, storyListing{Story: story, Seen: seen[story.StoryID]})
	}
	c.JSON(http.StatusOK, gin.H{"stories": listing})
}

func (h *httpHandler) handlePublishStory(c *gin.Context) {
	if h.stories == nil {
		h.respondError(c, apperrors.Transient(opStoriesRoute, "disabled", errStoriesDisabled))
		return
	}
	ctx := c.Request.Context()

	var ref stories.MediaRef
	if strings.HasPrefix(c.ContentType(), gin.MIMEJSON) {
		if err := c.ShouldBindJSON(&ref); err != nil {
			invalidRequest(c)
			return
		}
	} else {
		if h.gateway == nil {
			h.respondError(c, apperrors.Transient(opStoriesRoute, "missing_gateway", errGatewayDisabled))
			return
		}
		file, err := c.FormFile("file")
		if err != nil {
			invalidRequest(c)
			return
		}
		data, err := readUpload(opStoriesRoute, file)
		if err != nil {
			h.respondError(c, err)
			return
		}
		address, err := h.gateway.Store(ctx, data, file.Filename)
		if err != nil {
			h.respondError(c, err)
			return
		}
		ref = stories.MediaRef{
			URL:      h.gateway.URL(address),
			Address:  string(address),
			Kind:     c.DefaultPostForm("kind", defaultStoryKind),
			FileName: file.Filename,
			Caption:  c.PostForm("caption"),
		}
	}

	story, err := h.stories.Publish(ctx, c.GetString(userIDContextKey), ref)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, story)
}

func (h *httpHandler) handleStoryViewer(c *gin.Context) {
	if h.stories == nil {
		h.respondError(c, apperrors.Transient(opStoriesRoute, "disabled", errStoriesDisabled))
		return
	}
	player, err := h.stories.OpenViewer(c.Request.Context(), c.GetString(userIDContextKey), c.Param("authorID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, player.State(h.clock()))
}

func (h *httpHandler) handleStorySeen(c *gin.Context) {
	if h.stories == nil {
		h.respondError(c, apperrors.Transient(opStoriesRoute, "disabled", errStoriesDisabled))
		return
	}
	if err := h.stories.MarkSeen(c.Request.Context(), c.Param("storyID"), c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRankFeed(c *gin.Context) {
	var request rankFeedPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	ctx := c.Request.Context()
	userID := c.GetString(userIDContextKey)
	list, err := h.contacts.List(ctx, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	contactIDs := make([]string, 0, len(list))
	for _, contact := range list {
		if !contacts.IsReserved(contact.ID) {
			contactIDs = append(contactIDs, contact.ID)
		}
	}
	ordered, ranked := assistant.RankPosts(ctx, h.generator, userID, request.Posts, contactIDs)
	c.JSON(http.StatusOK, gin.H{"post_ids": ordered, "ranked": ranked})
}

func (h *httpHandler) handleMedia(c *gin.Context) {
	data, ok := h.fetcher.Fetch(media.ContentAddress(c.Param("address")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": string(apperrors.KindNotFound)})
		return
	}
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if value := strings.TrimSpace(part); value != "" {
			values = append(values, value)
		}
	}
	return values
}
