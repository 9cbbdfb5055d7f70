package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pesaflow/mpesa-payment-service/internal/config"
	"github.com/pesaflow/mpesa-payment-service/internal/logger"
	"github.com/pesaflow/mpesa-payment-service/internal/model"
	"github.com/pesaflow/mpesa-payment-service/internal/mpesa"
	"github.com/pesaflow/mpesa-payment-service/internal/repo"
	"github.com/pesaflow/mpesa-payment-service/internal/service"
)

type stubGateway struct {
	pushResp *mpesa.STKPushResponse
	queryErr error
}

func (g *stubGateway) STKPush(context.Context, string, decimal.Decimal, string, string) (*mpesa.STKPushResponse, error) {
	return g.pushResp, nil
}

func (g *stubGateway) QueryStatus(context.Context, string) (*mpesa.QueryResponse, error) {
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	return &mpesa.QueryResponse{ResponseCode: "0", ResultCode: "0", ResultDesc: "processed"}, nil
}

func newTestRepo(t *testing.T) (*repo.Repository, *zap.SugaredLogger) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.CallbackRecord{}, &model.OutboxEvent{}))

	rdb, _ := redismock.NewClientMock()
	log, _ := logger.NewLogger("test")
	return repo.NewRepository(db, rdb, &kafka.Writer{}, log), log
}

func newTestRouter(t *testing.T, gw service.Gateway) (*gin.Engine, *service.PaymentService, *repo.Repository, context.Context) {
	gin.SetMode(gin.TestMode)

	repository, log := newTestRepo(t)
	svc := service.NewPaymentService(repository, gw, service.Defaults{
		AccountReference: "PESAFLOW",
		TransactionDesc:  "Payment of goods",
	}, log)

	return NewRouter(svc, config.RateLimitConfig{RPS: 100, Burst: 100}, log), svc, repository, context.Background()
}

func accepted(checkoutID string) *mpesa.STKPushResponse {
	return &mpesa.STKPushResponse{
		MerchantRequestID:   "m_1",
		CheckoutRequestID:   checkoutID,
		ResponseCode:        "0",
		ResponseDescription: "Accepted",
		HTTPStatus:          200,
	}
}

func TestInitiateEndpoint(t *testing.T) {
	r, _, _, _ := newTestRouter(t, &stubGateway{pushResp: accepted("ws_CO_1")})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/payments",
		strings.NewReader(`{"phone_number":"0712345678","amount":"100"}`))
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
	assert.Contains(t, w.Body.String(), `"checkout_request_id":"ws_CO_1"`)
}

func TestInitiateEndpointRejectsBadBody(t *testing.T) {
	r, _, _, _ := newTestRouter(t, &stubGateway{pushResp: accepted("ws_CO_1")})

	for _, body := range []string{`{}`, `{"phone_number":"0712345678","amount":"ten"}`} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/payments", strings.NewReader(body))
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestCallbackEndpoint(t *testing.T) {
	r, svc, repository, ctx := newTestRouter(t, &stubGateway{pushResp: accepted("ws_CO_1")})

	res, err := svc.Initiate(ctx, "0712345678", decimal.NewFromInt(100), nil)
	assert.NoError(t, err)

	payload := `{"Body":{"stkCallback":{"MerchantRequestID":"m_1","CheckoutRequestID":"ws_CO_1",
		"ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[
		{"Name":"MpesaReceiptNumber","Value":"ABC123"},
		{"Name":"TransactionDate","Value":20240101103000}]}}}}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader(payload))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	tx, err := repository.GetTransaction(ctx, res.TransactionID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, tx.Status)
}

func TestCallbackEndpointUnknownTransaction(t *testing.T) {
	r, _, _, _ := newTestRouter(t, &stubGateway{})

	payload := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_ghost","ResultCode":0,"ResultDesc":"ok"}}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader(payload))
	r.ServeHTTP(w, req)

	// a final 404, not a 5xx that would invite gateway redelivery
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCallbackEndpointMalformedBody(t *testing.T) {
	r, _, _, _ := newTestRouter(t, &stubGateway{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader(`{"Body":`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// refusingRepo rejects the terminal write, standing in for a store failure
// mid-reconciliation.
type refusingRepo struct {
	repo.RepositoryInterface
}

func (r *refusingRepo) SaveTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	if t.Status == model.StatusSuccess {
		return errors.New("write refused")
	}
	return r.RepositoryInterface.SaveTransaction(ctx, tx, t)
}

func TestCallbackEndpointAcksInternalFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repository, log := newTestRepo(t)
	svc := service.NewPaymentService(&refusingRepo{repository}, &stubGateway{pushResp: accepted("ws_CO_1")}, service.Defaults{
		AccountReference: "PESAFLOW",
		TransactionDesc:  "Payment of goods",
	}, log)
	r := NewRouter(svc, config.RateLimitConfig{RPS: 100, Burst: 100}, log)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, "0712345678", decimal.NewFromInt(100), nil)
	assert.NoError(t, err)

	payload := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok"}}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader(payload))
	r.ServeHTTP(w, req)

	// acked so the gateway stops redelivering; the failure is logged server side
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	tx, err := repository.GetTransaction(ctx, res.TransactionID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, tx.Status)
}

func TestStatusEndpointScoping(t *testing.T) {
	r, svc, _, ctx := newTestRouter(t, &stubGateway{pushResp: accepted("ws_CO_1")})

	alice := "alice"
	res, err := svc.Initiate(ctx, "0712345678", decimal.NewFromInt(100), &alice)
	assert.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/"+res.TransactionID+"/status", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-User-ID", "alice")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PENDING"`)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/transactions/"+res.TransactionID+"/status", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-User-ID", "bob")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryEndpointAnonymousEmpty(t *testing.T) {
	r, _, _, _ := newTestRouter(t, &stubGateway{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/transactions", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"transactions":[]}`, w.Body.String())
}

func TestHistoryEndpointBadLimitFallsBack(t *testing.T) {
	r, svc, _, ctx := newTestRouter(t, &stubGateway{pushResp: accepted("ws_CO_1")})

	alice := "alice"
	res, err := svc.Initiate(ctx, "0712345678", decimal.NewFromInt(100), &alice)
	assert.NoError(t, err)

	// a garbage limit falls back to the default instead of LIMIT 0
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/transactions?limit=abc", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-User-ID", "alice")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), res.TransactionID)
}

func TestQueryEndpointGatewayFailure(t *testing.T) {
	r, _, _, _ := newTestRouter(t, &stubGateway{
		queryErr: &mpesa.GatewayError{Op: "query", Message: "connection reset"},
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/query/ws_CO_1", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}
