package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/makerstall/atelier/internal/payment/domain"
	"go.uber.org/zap"
)

// Webhook responses follow the processor's retry contract: 2xx settles the
// delivery, 4xx rejects it permanently, anything else is retried.

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	s.handleWebhook(c, paymentdomain.SourcePayment)
}

func (s *Server) HandleConnectWebhook(c *gin.Context) {
	s.handleWebhook(c, paymentdomain.SourceConnect)
}

func (s *Server) handleWebhook(c *gin.Context, source string) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	err = s.webhookSvc.Ingest(c.Request.Context(), source, payload, c.Request.Header)
	if err != nil {
		switch {
		case errors.Is(err, paymentdomain.ErrMissingSignature),
			errors.Is(err, paymentdomain.ErrInvalidSignature),
			errors.Is(err, paymentdomain.ErrSignatureExpired),
			errors.Is(err, paymentdomain.ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			s.log.Error("webhook ingest failed", zap.String("source", source), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
