package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

const (
	eventBuffer   = 512
	keepAliveTick = 15 * time.Second
)

// handleEvents streams relay events as server-sent events:
//
//	event:stdout|stderr|error|exit|config
//	data:{"type":"stdout","message":"...","pid":123,"time":"..."}
//
// Slow clients lose events rather than stalling the tunnel's output.
func (r *Router) handleEvents(c *gin.Context) {
	sub := r.opts.Tunnel.Relay().Subscribe(eventBuffer)
	defer sub.Close()

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	tick := time.NewTicker(keepAliveTick)
	defer tick.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		}
	})
	r.logger.Debug("event stream closed")
}
