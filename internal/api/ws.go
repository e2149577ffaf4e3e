package api

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is enforced on the HTTP routes; the push sockets are public
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsEventLimit = 50

// handleWsStatus pushes the status payload at the configured cadence until
// the client goes away.
func (s *Server) handleWsStatus(c *gin.Context) {
	s.servePush(c, func() map[string]any {
		return s.status.Get()
	})
}

// handleWsStream pushes the stream snapshot plus recent events. ?strategy=
// narrows conditions and events to one strategy.
func (s *Server) handleWsStream(c *gin.Context) {
	sid := c.Query("strategy")
	s.servePush(c, func() map[string]any {
		return s.stream.Payload(wsEventLimit, sid)
	})
}

func (s *Server) servePush(c *gin.Context, payload func() map[string]any) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	interval, err := s.settings.API.PushInterval()
	if err != nil {
		interval = 200 * time.Millisecond
	}
	asJSON := s.settings.API.WsPushFormat == "json"

	// drain control frames so pings and close handshakes are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if asJSON {
			data, err := json.Marshal(payload())
			if err != nil {
				s.log.Error().Err(err).Msg("ws encode failed")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			continue
		}

		data, err := packPayload(payload())
		if err != nil {
			s.log.Error().Err(err).Msg("ws encode failed")
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}

// packPayload is the compact wire encoding: msgpack inside zlib.
func packPayload(v map[string]any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
