package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/KlikkAI/reporunner-sub009/internal/collab"
)

// Browser editors connect from the app origin or localhost during
// development; everything else is refused before the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			return true
		}
		allowedPrefixes := []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
			"https://app.klikk.ai",
		}
		for _, p := range allowedPrefixes {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	},
}

type Manager struct {
	engine *collab.Engine
	logger zerolog.Logger
}

func NewManager(engine *collab.Engine, logger zerolog.Logger) *Manager {
	return &Manager{engine: engine, logger: logger.With().Str("component", "ws").Logger()}
}

// WebSocketConnect upgrades the request and runs the connection pumps
// until the client goes away. Identity comes from the auth middleware.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	role := collab.Role(c.GetString("role"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	wsConn := NewConn(conn, m.engine, uuid.NewString(), userID, role, m.logger)
	go wsConn.writeLoop()
	wsConn.readLoop(c.Request.Context())
}
