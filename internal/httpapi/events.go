package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulsehub-io/pulsehub/internal/apperr"
	"github.com/pulsehub-io/pulsehub/internal/channelregistry"
	"github.com/pulsehub-io/pulsehub/internal/logging"
)

// triggerEventRequest is one entry of POST /events or one element of
// a POST /batch_events batch.
type triggerEventRequest struct {
	Name     string   `json:"name"`
	Data     string   `json:"data"`
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
	SocketID string   `json:"socket_id,omitempty"`
}

// wireFrame is the JSON shape delivered to subscribed sockets,
// matching connmgr.Frame's wire format without importing it (the
// control API has no business depending on connection-state internals).
type wireFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (req triggerEventRequest) targetChannels() []string {
	channels := append([]string{}, req.Channels...)
	if req.Channel != "" {
		channels = append(channels, req.Channel)
	}
	return channels
}

// validate checks name, channel count/names, and payload size against
// the application's limits. Returns the validated channel list.
func (req triggerEventRequest) validate(maxChannelNameLen, maxPayloadBytes int) ([]string, *apperr.AppError) {
	if req.Name == "" {
		return nil, apperr.Protocol(apperr.CodeBadRequest, "event name is required")
	}
	channels := req.targetChannels()
	if len(channels) == 0 {
		return nil, apperr.Protocol(apperr.CodeBadRequest, "at least one channel is required")
	}
	if maxPayloadBytes > 0 && len(req.Data) > maxPayloadBytes {
		return nil, &apperr.AppError{Code: apperr.CodePayloadTooLarge, Message: "event data exceeds max payload size", StatusCode: http.StatusRequestEntityTooLarge}
	}
	for _, ch := range channels {
		if err := channelregistry.ValidateName(ch, maxChannelNameLen); err != nil {
			return nil, apperr.Protocol(apperr.CodeInvalidChannel, "invalid channel name: "+ch)
		}
	}
	return channels, nil
}

// TriggerEvent implements POST /apps/{app_id}/events.
func (h *Handler) TriggerEvent(c *gin.Context) {
	app := appFrom(c)
	var req triggerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Protocol(apperr.CodeBadRequest, "malformed request body"))
		return
	}

	maxLen := app.MaxChannelNameLength
	if maxLen == 0 {
		maxLen = h.cfg.MaxChannelNameLength
	}
	channels, verr := req.validate(maxLen, h.cfg.MaxEventPayloadBytes)
	if verr != nil {
		writeError(c, verr)
		return
	}

	h.fanOut(c, app.ID, req, channels)
	c.JSON(http.StatusOK, gin.H{})
}

// TriggerBatchEvents implements POST /apps/{app_id}/batch_events.
// Every entry is validated before any is delivered, so a malformed
// entry fails the whole batch rather than delivering a prefix of it.
func (h *Handler) TriggerBatchEvents(c *gin.Context) {
	app := appFrom(c)
	var body struct {
		Batch []triggerEventRequest `json:"batch"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperr.Protocol(apperr.CodeBadRequest, "malformed request body"))
		return
	}

	maxLen := app.MaxChannelNameLength
	if maxLen == 0 {
		maxLen = h.cfg.MaxChannelNameLength
	}

	type validated struct {
		req      triggerEventRequest
		channels []string
	}
	entries := make([]validated, 0, len(body.Batch))
	for _, req := range body.Batch {
		channels, verr := req.validate(maxLen, h.cfg.MaxEventPayloadBytes)
		if verr != nil {
			writeError(c, verr)
			return
		}
		entries = append(entries, validated{req: req, channels: channels})
	}

	for _, e := range entries {
		h.fanOut(c, app.ID, e.req, e.channels)
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *Handler) fanOut(c *gin.Context, appID string, req triggerEventRequest, channels []string) {
	ctx := c.Request.Context()
	log := logging.HTTPAPI()

	dataRaw, err := json.Marshal(req.Data)
	if err != nil {
		return
	}
	for _, ch := range channels {
		frame := wireFrame{Event: req.Name, Channel: ch, Data: dataRaw}
		raw, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		if err := h.adapter.Broadcast(ctx, appID, ch, raw, req.SocketID); err != nil {
			log.Warn().Err(err).Str("channel", ch).Msg("event broadcast failed")
		}
		if channelregistry.IsCache(ch) {
			h.registry.SetCache(ch, req.Name, req.Data)
		}
	}
}
