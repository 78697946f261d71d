package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pulsehub-io/pulsehub/internal/apperr"
	"github.com/pulsehub-io/pulsehub/internal/channelregistry"
)

// ListChannels implements GET /apps/{app_id}/channels.
func (h *Handler) ListChannels(c *gin.Context) {
	app := appFrom(c)
	ctx := c.Request.Context()

	counts, err := h.adapter.ChannelsWithCounts(ctx, app.ID)
	if err != nil {
		writeError(c, apperr.Internal(err))
		return
	}

	prefix := c.Query("filter_by_prefix")
	infoParam := c.Query("info")
	wantCount := channelInfoWanted(infoParam, "user_count") || channelInfoWanted(infoParam, "subscription_count")

	out := make(map[string]gin.H, len(counts))
	for name, count := range counts {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		info := gin.H{}
		if wantCount {
			info["subscription_count"] = count
		}
		out[name] = info
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

// ChannelInfo implements GET /apps/{app_id}/channels/{name}.
func (h *Handler) ChannelInfo(c *gin.Context) {
	app := appFrom(c)
	ctx := c.Request.Context()
	name := c.Param("name")
	infoParam := c.Query("info")

	count, err := h.adapter.SubscribersCount(ctx, app.ID, name)
	if err != nil {
		writeError(c, apperr.Internal(err))
		return
	}

	info := gin.H{}
	if channelInfoWanted(infoParam, "subscription_count") {
		info["subscription_count"] = count
	}
	if channelInfoWanted(infoParam, "cache") {
		info["cache"] = h.registry.GetCache(name) != nil
	}
	if channelInfoWanted(infoParam, "user_count") && channelregistry.TypeOf(name) == channelregistry.TypePresence {
		roster, err := h.adapter.PresenceMembers(ctx, app.ID, name)
		if err == nil {
			info["user_count"] = len(roster)
		}
	}
	c.JSON(http.StatusOK, info)
}

// ChannelUsers implements GET /apps/{app_id}/channels/{name}/users.
// Restricted to presence channels, matching the Pusher contract that
// only they carry a joined-user roster.
func (h *Handler) ChannelUsers(c *gin.Context) {
	app := appFrom(c)
	name := c.Param("name")
	if channelregistry.TypeOf(name) != channelregistry.TypePresence {
		writeError(c, apperr.Protocol(apperr.CodeBadRequest, "user list is only available for presence channels"))
		return
	}

	roster, err := h.adapter.PresenceMembers(c.Request.Context(), app.ID, name)
	if err != nil {
		writeError(c, apperr.Internal(err))
		return
	}
	users := make([]gin.H, 0, len(roster))
	for id := range roster {
		users = append(users, gin.H{"id": id})
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// TerminateUserConnections implements
// POST /apps/{app_id}/users/{user_id}/terminate_connections.
func (h *Handler) TerminateUserConnections(c *gin.Context) {
	app := appFrom(c)
	userID := c.Param("user_id")
	if err := h.adapter.TerminateUser(c.Request.Context(), app.ID, userID); err != nil {
		writeError(c, apperr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
