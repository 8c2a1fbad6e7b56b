package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Terminal agents are not browsers; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket upgrades a terminal agent connection and hands it to the hub
// for the handshake and the connection lifetime.
func (s *Server) websocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	if err := s.Hub.HandleConnection(ws); err != nil {
		log.Printf("api: terminal connection ended: %v", err)
	}
}
