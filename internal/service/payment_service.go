package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pesaflow/mpesa-payment-service/internal/model"
	"github.com/pesaflow/mpesa-payment-service/internal/mpesa"
	"github.com/pesaflow/mpesa-payment-service/internal/phone"
	"github.com/pesaflow/mpesa-payment-service/internal/repo"
)

// ErrInvalidAmount means a non-positive amount was passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrTransactionNotFound means no transaction matches the given id or
// correlation key, or the caller does not own it.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrBadCallback means the callback envelope could not be parsed or carries no
// correlation id.
var ErrBadCallback = errors.New("malformed callback payload")

// Result code stored when validation fails before any gateway call.
const resultInvalidPhone = "InvalidPhoneNumber"

// Gateway is the slice of the Daraja client the service needs; tests supply
// stubs.
type Gateway interface {
	STKPush(ctx context.Context, phoneNumber string, amount decimal.Decimal, accountRef, description string) (*mpesa.STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error)
}

// Defaults are the business fields sent with every push.
type Defaults struct {
	AccountReference string
	TransactionDesc  string
}

// PaymentService glues normalization, the gateway client and the store.
type PaymentService struct {
	repo     repo.RepositoryInterface
	gw       Gateway
	defaults Defaults
	log      *zap.SugaredLogger
}

// NewPaymentService returns PaymentService.
func NewPaymentService(r repo.RepositoryInterface, gw Gateway, d Defaults, logger *zap.SugaredLogger) *PaymentService {
	return &PaymentService{repo: r, gw: gw, defaults: d, log: logger}
}

// InitiateResult is the structured outcome of an initiation attempt. Gateway
// rejections come back as Success=false, not as an error.
type InitiateResult struct {
	Success           bool   `json:"success"`
	TransactionID     string `json:"transaction_id"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	CustomerMessage   string `json:"customer_message,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Initiate runs the STK push flow: persist an INITIATED row before any
// external call, normalize the phone number, push, then record the
// synchronous outcome. Exactly one row and at most one outbound request per
// call; retries are a caller concern.
func (s *PaymentService) Initiate(ctx context.Context, rawPhone string, amount decimal.Decimal, userID *string) (*InitiateResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	t := &model.Transaction{
		ID:               uuid.NewString(),
		UserID:           userID,
		PhoneNumber:      rawPhone,
		Amount:           amount,
		AccountReference: s.defaults.AccountReference,
		TransactionDesc:  s.defaults.TransactionDesc,
		Status:           model.StatusInitiated,
	}
	if err := s.repo.CreateTransaction(ctx, s.repo.DB(ctx), t); err != nil {
		return nil, err
	}

	normalized, err := phone.Normalize(rawPhone)
	if err != nil {
		s.markFailed(ctx, t, resultInvalidPhone, err.Error())
		return &InitiateResult{
			TransactionID: t.ID,
			ErrorCode:     resultInvalidPhone,
			Error:         err.Error(),
		}, nil
	}
	t.PhoneNumber = normalized

	resp, err := s.gw.STKPush(ctx, normalized, amount, t.AccountReference, t.TransactionDesc)
	if err != nil {
		// transport or auth failure; nothing reached the handset
		s.markFailed(ctx, t, "NetworkError", err.Error())
		return &InitiateResult{
			TransactionID: t.ID,
			ErrorCode:     "NetworkError",
			Error:         err.Error(),
		}, nil
	}

	if !resp.Accepted() {
		s.markFailed(ctx, t, resp.FailureCode(), resp.FailureDesc())
		return &InitiateResult{
			TransactionID: t.ID,
			ErrorCode:     resp.FailureCode(),
			Error:         resp.FailureDesc(),
		}, nil
	}

	merchantID, checkoutID := resp.MerchantRequestID, resp.CheckoutRequestID
	code, desc := resp.ResponseCode, resp.ResponseDescription
	t.MerchantRequestID = &merchantID
	t.CheckoutRequestID = &checkoutID
	t.ResultCode = &code
	t.ResultDesc = &desc
	t.Status = model.StatusPending

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.SaveTransaction(ctx, tx, t); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"transaction_id":      t.ID,
			"checkout_request_id": checkoutID,
			"phone_number":        t.PhoneNumber,
			"amount":              t.Amount,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Payment", AggregateID: t.ID,
			EventType: model.EventPaymentInitiated, Payload: string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}
	s.cacheStatus(ctx, t)

	return &InitiateResult{
		Success:           true,
		TransactionID:     t.ID,
		CheckoutRequestID: checkoutID,
		MerchantRequestID: merchantID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// markFailed records a failure outcome on the row. A failed write here is
// logged, not returned; the caller still gets the structured failure.
func (s *PaymentService) markFailed(ctx context.Context, t *model.Transaction, code, desc string) {
	t.Status = model.StatusFailed
	t.ResultCode = &code
	t.ResultDesc = &desc
	if err := s.repo.SaveTransaction(ctx, s.repo.DB(ctx), t); err != nil {
		s.log.Errorw("persist failed transaction", "transaction_id", t.ID, "err", err)
	}
	s.cacheStatus(ctx, t)
}

// HandleCallback reconciles an asynchronous gateway callback against the
// matching transaction. The audit record commits on its own before the
// outcome is evaluated, so the trail survives a failure in the state update.
// Duplicate deliveries re-write the same terminal values; a conflicting
// callback after a terminal state leaves the transaction untouched.
func (s *PaymentService) HandleCallback(ctx context.Context, raw []byte) error {
	cb, err := mpesa.ParseCallback(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCallback, err)
	}

	db := s.repo.DB(ctx)
	t, err := s.repo.GetTransactionByCheckoutID(ctx, db, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTransactionNotFound
		}
		return err
	}

	rec := &model.CallbackRecord{
		TransactionID:     t.ID,
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        strconv.Itoa(cb.ResultCode),
		ResultDesc:        cb.ResultDesc,
		Payload:           string(raw),
	}
	if err := s.repo.CreateCallbackRecord(ctx, db, rec); err != nil {
		return err
	}

	target := model.StatusFailed
	if cb.ResultCode == 0 {
		target = model.StatusSuccess
	}

	var updated *model.Transaction
	err = db.Transaction(func(tx *gorm.DB) error {
		// re-read inside the transaction: a concurrent delivery may have
		// settled the row since the lookup above
		t, err := s.repo.GetTransactionByCheckoutID(ctx, tx, cb.CheckoutRequestID)
		if err != nil {
			return err
		}
		if !t.CanApply(target) {
			s.log.Warnw("ignoring conflicting callback for settled transaction",
				"transaction_id", t.ID, "status", t.Status, "incoming", target,
				"result_code", cb.ResultCode)
			return nil
		}
		prev := t.Status

		code := strconv.Itoa(cb.ResultCode)
		desc := cb.ResultDesc
		t.Status = target
		t.ResultCode = &code
		t.ResultDesc = &desc
		if target == model.StatusSuccess {
			if receipt, ok := cb.CallbackMetadata.GetString(mpesa.MetaReceiptNumber); ok {
				t.MpesaReceiptNumber = &receipt
			}
			if v, ok := cb.CallbackMetadata.Get(mpesa.MetaTransactionDate); ok {
				if ts, err := mpesa.ParseTransactionDate(v); err == nil {
					t.TransactionDate = &ts
				} else {
					// leave the timestamp unset rather than fail the callback
					s.log.Warnw("unparseable TransactionDate in callback",
						"transaction_id", t.ID, "value", v, "err", err)
				}
			}
		}
		if err := s.repo.SaveTransaction(ctx, tx, t); err != nil {
			return err
		}

		if prev != target {
			evtType := model.EventPaymentFailed
			if target == model.StatusSuccess {
				evtType = model.EventPaymentSucceeded
			}
			payload, _ := json.Marshal(map[string]interface{}{
				"transaction_id": t.ID,
				"result_code":    cb.ResultCode,
				"result_desc":    cb.ResultDesc,
			})
			evt := &model.OutboxEvent{
				Aggregate: "Payment", AggregateID: t.ID,
				EventType: evtType, Payload: string(payload),
			}
			if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
				return err
			}
		}
		updated = t
		return nil
	})
	if err != nil {
		return err
	}
	if updated != nil {
		s.cacheStatus(ctx, updated)
	}
	return nil
}

// QueryStatus is a pass-through to the gateway's status query. It never
// mutates the store; feeding the result back is an explicit caller choice.
func (s *PaymentService) QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error) {
	return s.gw.QueryStatus(ctx, checkoutRequestID)
}

// StatusView is the per-transaction shape returned by the status and history
// endpoints. OwnerID rides along in the cache for the ownership check and is
// cleared before the view leaves the service.
type StatusView struct {
	TransactionID      string  `json:"transaction_id"`
	Status             string  `json:"status"`
	Amount             string  `json:"amount"`
	PhoneNumber        string  `json:"phone_number"`
	MpesaReceiptNumber *string `json:"mpesa_receipt_number"`
	TransactionDate    *string `json:"transaction_date"`
	ResultCode         *string `json:"result_code"`
	ResultDesc         *string `json:"result_desc"`
	CreatedAt          string  `json:"created_at"`
	OwnerID            *string `json:"owner_id,omitempty"`
}

func newStatusView(t *model.Transaction) *StatusView {
	v := &StatusView{
		TransactionID:      t.ID,
		Status:             string(t.Status),
		Amount:             t.Amount.String(),
		PhoneNumber:        t.PhoneNumber,
		MpesaReceiptNumber: t.MpesaReceiptNumber,
		ResultCode:         t.ResultCode,
		ResultDesc:         t.ResultDesc,
		CreatedAt:          t.CreatedAt.Format(time.RFC3339),
		OwnerID:            t.UserID,
	}
	if t.TransactionDate != nil {
		d := t.TransactionDate.Format(time.RFC3339)
		v.TransactionDate = &d
	}
	return v
}

// cacheStatus refreshes the Redis status view; failures are non-fatal.
func (s *PaymentService) cacheStatus(ctx context.Context, t *model.Transaction) {
	payload, err := json.Marshal(newStatusView(t))
	if err != nil {
		return
	}
	if err := s.repo.CacheStatusView(ctx, t.ID, payload); err != nil {
		s.log.Warnw("cache status view", "transaction_id", t.ID, "err", err)
	}
}

// GetStatus returns the status view for one transaction. An authenticated
// caller only sees transactions they own; anonymous lookups by id are
// allowed, matching the initiation surface.
func (s *PaymentService) GetStatus(ctx context.Context, id string, userID *string) (*StatusView, error) {
	if b, err := s.repo.GetCachedStatusView(ctx, id); err == nil {
		var v StatusView
		if err := json.Unmarshal(b, &v); err == nil {
			if !ownerMatches(v.OwnerID, userID) {
				return nil, ErrTransactionNotFound
			}
			v.OwnerID = nil
			return &v, nil
		}
	}

	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if !ownerMatches(t.UserID, userID) {
		return nil, ErrTransactionNotFound
	}
	s.cacheStatus(ctx, t)
	v := newStatusView(t)
	v.OwnerID = nil
	return v, nil
}

// ownerMatches enforces scoping only when both sides carry a principal.
func ownerMatches(owner, caller *string) bool {
	if caller == nil || owner == nil {
		return true
	}
	return *owner == *caller
}

// History returns the caller's transactions, newest first. Anonymous callers
// get an empty list.
func (s *PaymentService) History(ctx context.Context, userID *string, limit int) ([]*StatusView, error) {
	if userID == nil {
		return []*StatusView{}, nil
	}
	txs, err := s.repo.ListTransactions(ctx, *userID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]*StatusView, 0, len(txs))
	for i := range txs {
		v := newStatusView(&txs[i])
		v.OwnerID = nil
		views = append(views, v)
	}
	return views, nil
}
