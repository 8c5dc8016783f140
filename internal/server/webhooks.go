package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wbe7/openrag/pkg/core"
)

// maxNotificationBody bounds inbound webhook payload size.
const maxNotificationBody = 1 << 20

// handleWebhook terminates provider push notifications. Validation
// handshakes are answered synchronously; real notifications are
// acknowledged immediately and processed in the background, since
// providers retry or drop channels on slow responses.
func (s *Server) handleWebhook(c *gin.Context) {
	connectorType := core.ConnectorType(c.Param("connector"))
	if !connectorType.IsValid() {
		c.Status(http.StatusNotFound)
		return
	}

	// Graph subscription handshake: echo validationToken as text/plain.
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}
	if token := c.Query("validationtoken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBody))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	headers := c.Request.Header.Clone()

	go func() {
		ctx, cancel := s.notificationContext()
		defer cancel()
		if err := s.webhooks.HandleNotification(ctx, connectorType, payload, headers); err != nil {
			s.logger.Error("processing %s notification failed: %v", connectorType, err)
		}
	}()

	c.Status(http.StatusOK)
}

// notificationContext detaches background notification processing from the
// request lifetime.
func (s *Server) notificationContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Minute)
}
