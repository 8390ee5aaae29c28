package stream

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes mounts the viewer websocket. guards run before the upgrade,
// typically JWT validation and a role check.
func RegisterRoutes(r fiber.Router, hub *Hub, guards ...fiber.Handler) {
	handlers := append([]fiber.Handler{}, guards...)
	handlers = append(handlers, websocket.New(func(c *websocket.Conn) {
		client := hub.Register(c.Query("role"))

		done := make(chan struct{})
		go func() {
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					break
				}
			}
			// Send closed by the hub: drop the connection so the read
			// loop below returns.
			_ = c.Close()
			close(done)
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		hub.Unregister(client)
		<-done
	}))
	r.Get("/ws", handlers...)
}
