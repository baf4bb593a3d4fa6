package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amoylab/wshub/internal/common/errorx"
	"github.com/amoylab/wshub/internal/transport"
	"github.com/amoylab/wshub/pkg/protocol"
	"github.com/amoylab/wshub/pkg/utils"
	"github.com/amoylab/wshub/pkg/version"
)

const (
	testBroadcastEvent   = "test_broadcast"
	testBroadcastDefault = "Test broadcast message"
)

// wsQuery holds the optional upgrade parameters
type wsQuery struct {
	Topics   string `form:"topics"` // comma separated
	ClientID string `form:"client_id"`
}

// broadcastRequest publishes either a full wire message or a Custom event
type broadcastRequest struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

func (r broadcastRequest) toMessage() (protocol.Message, error) {
	if len(r.Message) > 0 {
		return protocol.Unmarshal(r.Message)
	}
	if r.Event == "" {
		return nil, errorx.ValidationError("message", nil, "either message or event is required")
	}
	return protocol.Custom{Event: r.Event, Data: r.Data}, nil
}

func parseTopic(s string) protocol.Topic {
	if s == "" {
		return protocol.All()
	}
	return protocol.ParseTopic(s)
}

func (s *Server) connectionID(c *gin.Context) (protocol.ConnectionID, bool) {
	raw := c.Param("id")
	id, err := protocol.ParseConnectionID(raw)
	if err != nil {
		s.errs.HandleError(c, errorx.ValidationError("id", raw, "must be a connection UUID"))
		return protocol.NilConnectionID, false
	}
	return id, true
}

func (s *Server) handleWebSocket(c *gin.Context) {
	var q wsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.errs.HandleError(c, errorx.ErrInvalidInput.WithDetail("reason", err.Error()))
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered the request
		s.logger.Warn("failed to upgrade websocket connection",
			zap.String("remote_addr", c.ClientIP()),
			zap.Error(err))
		return
	}

	metadata := map[string]string{
		"remote_addr": c.ClientIP(),
	}
	if ua := c.Request.UserAgent(); ua != "" {
		metadata["user_agent"] = ua
	}
	if q.ClientID != "" {
		metadata["client_id"] = q.ClientID
	}

	id, err := s.hub.Admit(c.Request.Context(), transport.NewStream(conn, s.cfg.Hub), metadata)
	if err != nil {
		s.logger.Info("websocket connection not admitted",
			zap.String("remote_addr", c.ClientIP()),
			zap.Error(err))
		return
	}

	if topics := utils.SplitByMultipleDelimiters(q.Topics, ","); len(topics) > 0 {
		if err := s.hub.Subscribe(id, topics...); err != nil {
			s.logger.Debug("initial subscription skipped",
				zap.Stringer("connection_id", id),
				zap.Error(err))
		}
	}
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.errs.HandleError(c, errorx.ErrInvalidInput.WithDetail("reason", err.Error()))
		return
	}

	msg, err := req.toMessage()
	if err != nil {
		s.errs.HandleError(c, err)
		return
	}

	topic := parseTopic(req.Topic)
	receivers := s.hub.Publish(c.Request.Context(), topic, msg)
	c.JSON(http.StatusOK, gin.H{
		"topic":     topic.String(),
		"type":      msg.Type(),
		"receivers": receivers,
	})
}

func (s *Server) handleTestBroadcast(c *gin.Context) {
	text := utils.FirstNonEmpty(c.Query("message"), testBroadcastDefault)
	data, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		s.errs.HandleError(c, err)
		return
	}

	topic := parseTopic(c.Query("topic"))
	receivers := s.hub.Publish(c.Request.Context(), topic, protocol.Custom{Event: testBroadcastEvent, Data: data})
	c.JSON(http.StatusOK, gin.H{
		"status":    "broadcast sent",
		"topic":     topic.String(),
		"message":   text,
		"receivers": receivers,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"total_connections":  stats.TotalConnections,
		"active_connections": s.hub.ConnectionCount(),
		"connections":        s.hub.Connections(),
		"stats":              stats,
	})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Diagnostics())
}

func (s *Server) handleConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections": s.hub.AllConnectionHealth(),
	})
}

func (s *Server) handleConnectionHealth(c *gin.Context) {
	id, ok := s.connectionID(c)
	if !ok {
		return
	}
	report, ok := s.hub.ConnectionHealth(id)
	if !ok {
		s.errs.HandleError(c, errorx.NotFoundError(errorx.ErrConnectionNotFound, id.String()))
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleDisconnect(c *gin.Context) {
	id, ok := s.connectionID(c)
	if !ok {
		return
	}
	if !s.hub.Disconnect(id) {
		s.errs.HandleError(c, errorx.NotFoundError(errorx.ErrConnectionNotFound, id.String()))
		return
	}
	s.logger.Info("connection disconnected by operator", zap.Stringer("connection_id", id))
	c.JSON(http.StatusOK, gin.H{"disconnected": id})
}

func (s *Server) handleSendDirect(c *gin.Context) {
	id, ok := s.connectionID(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.errs.HandleError(c, errorx.ErrInvalidInput.WithDetail("reason", err.Error()))
		return
	}
	msg, err := protocol.Unmarshal(body)
	if err != nil {
		s.errs.HandleError(c, err)
		return
	}
	if err := s.hub.SendDirect(c.Request.Context(), id, msg); err != nil {
		s.errs.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"connection_id": id,
		"type":          msg.Type(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"version":     version.Get(),
		"connections": s.hub.ConnectionCount(),
	})
}
