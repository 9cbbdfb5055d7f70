package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pesaflow/mpesa-payment-service/internal/service"
)

const (
	maxCallbackBytes    = 64 << 10
	defaultHistoryLimit = 50
)

func RegisterHandlers(v1 *gin.RouterGroup, svc *service.PaymentService) {
	v1.POST("/payments", initiateHandler(svc))
	v1.GET("/transactions/:id/status", statusHandler(svc))
	v1.GET("/transactions", historyHandler(svc))
	v1.GET("/query/:checkout_request_id", queryHandler(svc))
}

type initiateReq struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
}

func initiateHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initiateReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "phone_number and amount are required"})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid amount"})
			return
		}
		res, err := svc.Initiate(c, req.PhoneNumber, amt, principal(c))
		if err != nil {
			if errors.Is(err, service.ErrInvalidAmount) {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// CallbackHandler receives the gateway's asynchronous result. The response is
// transport-level acknowledgment only; a failed payment still gets an OK. An
// unknown correlation id returns a final 404 rather than a 5xx that would
// invite delivery retries.
func CallbackHandler(svc *service.PaymentService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBytes)
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusBadRequest, "unreadable body")
			return
		}
		if err := svc.HandleCallback(c, raw); err != nil {
			switch {
			case errors.Is(err, service.ErrTransactionNotFound):
				c.String(http.StatusNotFound, "Transaction not found")
			case errors.Is(err, service.ErrBadCallback):
				c.String(http.StatusBadRequest, "malformed callback")
			default:
				// best effort: the delivery attempt is closed either way
				log.Errorw("callback reconciliation failed", "err", err)
				c.String(http.StatusOK, "OK")
			}
			return
		}
		c.String(http.StatusOK, "OK")
	}
}

func statusHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.GetStatus(c, c.Param("id"), principal(c))
		if err != nil {
			if errors.Is(err, service.ErrTransactionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func historyHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit < 1 {
			limit = defaultHistoryLimit
		}
		views, err := svc.History(c, principal(c), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"transactions": views})
	}
}

func queryHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := svc.QueryStatus(c, c.Param("checkout_request_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
