package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
)

// MonitorFeed delivers the violation reports published for a test.
type MonitorFeed interface {
	Subscribe(ctx context.Context, testID string) (<-chan []byte, func())
}

type MonitorHandler struct {
	feed     MonitorFeed
	proctors *service.ProctorService
	log      zerolog.Logger

	refreshEvery   time.Duration
	keepAliveEvery time.Duration
}

func NewMonitorHandler(feed MonitorFeed, proctors *service.ProctorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		feed:           feed,
		proctors:       proctors,
		log:            log.With().Str("component", "monitor_handler").Logger(),
		refreshEvery:   refreshInterval,
		keepAliveEvery: keepAliveInterval,
	}
}

// MonitorTestSSE godoc
// GET /api/v1/admin/proctor/tests/:test_id/monitor
// Streams every violation of the test as it is reported, plus periodic
// snapshots of the sessions connected to this node.
func (h *MonitorHandler) MonitorTestSSE(c *gin.Context) {
	testID := c.Param("test_id")
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	reports, stop := h.feed.Subscribe(reqCtx, testID)
	defer stop()

	h.sendSessions(c, "snapshot", testID)

	keepAliveTicker := time.NewTicker(h.keepAliveEvery)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(h.refreshEvery)
	defer refreshTicker.Stop()

	h.log.Info().Str("test_id", testID).Msg("Admin attached to live monitor SSE")

	// Pre-allocate a reusable ping payload (never changes)
	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("test_id", testID).Msg("Admin disconnected from live monitor SSE")
			return

		case raw, ok := <-reports:
			if !ok {
				return
			}
			// Forward the report without decoding it.
			c.Writer.Write([]byte(`data: {"type":"violation","data":`))
			c.Writer.Write(raw)
			c.Writer.Write([]byte("}\n\n"))
			c.Writer.Flush()

		case <-refreshTicker.C:
			h.sendSessions(c, "refresh", testID)

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

// sessionsEvent is the periodic overview of live sessions.
type sessionsEvent struct {
	Type     string                  `json:"type"`
	Stats    sessionStats            `json:"stats"`
	Sessions []model.SessionSnapshot `json:"sessions"`
}

type sessionStats struct {
	Connected  int `json:"connected"`
	InProgress int `json:"in_progress"`
	Terminated int `json:"terminated"`
	Warnings   int `json:"warnings"`
	Criticals  int `json:"criticals"`
}

func (h *MonitorHandler) sendSessions(c *gin.Context, kind, testID string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	sessions := h.proctors.Sessions(ctx, testID)
	ev := sessionsEvent{Type: kind, Sessions: sessions}
	ev.Stats.Connected = len(sessions)
	for _, s := range sessions {
		switch s.Step {
		case model.StepInProgress:
			ev.Stats.InProgress++
		case model.StepTerminated:
			ev.Stats.Terminated++
		}
		ev.Stats.Warnings += s.WarningCount
		ev.Stats.Criticals += s.CriticalCount
	}

	c.SSEvent("message", ev)
	c.Writer.Flush()
}
