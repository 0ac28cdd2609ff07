package livehttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradeloop/internal/events"
	"tradeloop/internal/logger"
)

const (
	streamBuffer = 64
	writeWait    = 5 * time.Second
	pingEvery    = 30 * time.Second
	pongWait     = 2 * pingEvery
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamFilter builds the subscription filter from ?type=a,b and
// ?critical=1.
func streamFilter(c *gin.Context) events.Filter {
	wanted := make(map[events.Type]bool)
	for _, raw := range strings.Split(c.Query("type"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			wanted[events.Type(raw)] = true
		}
	}
	criticalOnly := c.Query("critical") == "1" || c.Query("critical") == "true"
	if len(wanted) == 0 && !criticalOnly {
		return nil
	}
	return func(e events.Event) bool {
		if criticalOnly && !e.Critical() {
			return false
		}
		return len(wanted) == 0 || wanted[e.Type]
	}
}

// handleEvents streams bus events as JSON websocket frames until the client
// goes away or the server shuts down.
func (r *Router) handleEvents(c *gin.Context) {
	if r.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus disabled"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[api] events upgrade failed ip=%s err=%v", c.ClientIP(), err)
		return
	}
	defer conn.Close()

	ch, cancel := r.Bus.Subscribe(streamBuffer, streamFilter(c))
	defer cancel()
	logger.Debugf("[api] events stream opened ip=%s", c.ClientIP())

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				logger.Debugf("[api] events stream closed ip=%s err=%v", c.ClientIP(), err)
				return
			}
		}
	}
}
