package api

import (
	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-console/log"
)

// StreamEvents attaches an SSE subscriber to a live stream and drains its
// event queue onto the response until the stream closes, the client leaves,
// or the server shuts down.
// GET /api/stream/:streamingId
func (h *Handlers) StreamEvents(c *gin.Context) {
	streamID := c.Param("streamingId")

	if !h.srv.Supervisor().IsActive(streamID) {
		RespondNotFound(c, "stream not found: "+streamID)
		return
	}

	log.MarkStreaming(c)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	sub := h.srv.Fanout().AddSubscriber(streamID)
	defer h.srv.Fanout().RemoveSubscriber(sub)

	clientGone := c.Request.Context().Done()
	shutdown := h.srv.ShutdownContext().Done()

	for {
		select {
		case frame, ok := <-sub.Events():
			if !ok {
				// Stream closed; the terminal event is already written.
				return
			}
			if _, err := c.Writer.Write(frame); err != nil {
				log.Debug().Err(err).Str("streamingId", streamID).Msg("subscriber write failed")
				return
			}
			c.Writer.Flush()

		case <-clientGone:
			return

		case <-shutdown:
			return
		}
	}
}
