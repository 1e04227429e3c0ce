package main

import (
	"github.com/gin-gonic/gin"
)

// handleSocket hands the request to the hub, which authorizes it from the
// query parameters and relays sync traffic for the room.
func (s *server) handleSocket(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request)
}
