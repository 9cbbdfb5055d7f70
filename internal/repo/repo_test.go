package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pesaflow/mpesa-payment-service/internal/logger"
	"github.com/pesaflow/mpesa-payment-service/internal/model"
)

func newTestRepo(t *testing.T) (*Repository, context.Context) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.CallbackRecord{}, &model.OutboxEvent{}))

	rdb, _ := redismock.NewClientMock()
	log, _ := logger.NewLogger("test")
	return NewRepository(db, rdb, &kafka.Writer{}, log), context.Background()
}

func pendingTransaction(checkoutID string) *model.Transaction {
	cid := checkoutID
	return &model.Transaction{
		ID:                uuid.NewString(),
		PhoneNumber:       "254712345678",
		Amount:            decimal.NewFromInt(100),
		CheckoutRequestID: &cid,
		Status:            model.StatusPending,
	}
}

func TestCheckoutRequestIDLookup(t *testing.T) {
	r, ctx := newTestRepo(t)

	tx := pendingTransaction("ws_CO_1")
	assert.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), tx))

	got, err := r.GetTransactionByCheckoutID(ctx, r.DB(ctx), "ws_CO_1")
	assert.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	_, err = r.GetTransactionByCheckoutID(ctx, r.DB(ctx), "ws_CO_missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCheckoutRequestIDUnique(t *testing.T) {
	r, ctx := newTestRepo(t)

	assert.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), pendingTransaction("ws_CO_1")))
	// the correlation key is the callback match target; duplicates are rejected
	assert.Error(t, r.CreateTransaction(ctx, r.DB(ctx), pendingTransaction("ws_CO_1")))
}

func TestListStalePending(t *testing.T) {
	r, ctx := newTestRepo(t)

	stale := pendingTransaction("ws_CO_old")
	assert.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), stale))
	assert.NoError(t, r.DB(ctx).Model(stale).
		UpdateColumn("updated_at", time.Now().Add(-10*time.Minute)).Error)

	fresh := pendingTransaction("ws_CO_new")
	assert.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), fresh))

	got, err := r.ListStalePending(ctx, time.Now().Add(-2*time.Minute), 10)
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestCallbackRecordsAppendOnly(t *testing.T) {
	r, ctx := newTestRepo(t)

	tx := pendingTransaction("ws_CO_1")
	assert.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), tx))

	for i := 0; i < 2; i++ {
		rec := &model.CallbackRecord{
			TransactionID:     tx.ID,
			MerchantRequestID: "m_1",
			CheckoutRequestID: "ws_CO_1",
			ResultCode:        "0",
			ResultDesc:        "ok",
			Payload:           `{"Body":{}}`,
		}
		assert.NoError(t, r.CreateCallbackRecord(ctx, r.DB(ctx), rec))
	}

	var n int64
	assert.NoError(t, r.DB(ctx).Model(&model.CallbackRecord{}).
		Where("transaction_id = ?", tx.ID).Count(&n).Error)
	assert.EqualValues(t, 2, n)
}
