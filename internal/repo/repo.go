package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pesaflow/mpesa-payment-service/internal/model"
)

const statusCacheTTL = 5 * time.Minute

// RepositoryInterface restricts Repo methods so services can be unit tested
// against a narrow surface.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	SaveTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionByCheckoutID(ctx context.Context, tx *gorm.DB, checkoutRequestID string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error)
	CreateCallbackRecord(ctx context.Context, tx *gorm.DB, rec *model.CallbackRecord) error
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheStatusView(ctx context.Context, transactionID string, payload []byte) error
	GetCachedStatusView(ctx context.Context, transactionID string) ([]byte, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateTransaction inserts a new transaction row.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// SaveTransaction writes the full row back. A single-row save is atomic with
// respect to concurrent readers; partial field writes never surface.
func (r *Repository) SaveTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Save(t).Error
}

// GetTransaction fetches by primary key.
func (r *Repository) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransactionByCheckoutID resolves the callback correlation key.
func (r *Repository) GetTransactionByCheckoutID(ctx context.Context, tx *gorm.DB, checkoutRequestID string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).Where("checkout_request_id = ?", checkoutRequestID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions returns a user's transactions, newest first.
func (r *Repository) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// ListStalePending returns PENDING transactions initiated before olderThan,
// i.e. pushes whose callback is overdue.
func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.StatusPending, olderThan).
		Order("updated_at").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// CreateCallbackRecord appends an audit row. Records are never updated.
func (r *Repository) CreateCallbackRecord(ctx context.Context, tx *gorm.DB, rec *model.CallbackRecord) error {
	return tx.WithContext(ctx).Create(rec).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheStatusView stores the serialized status view in Redis.
func (r *Repository) CacheStatusView(ctx context.Context, transactionID string, payload []byte) error {
	return r.rdb.Set(ctx, fmt.Sprintf("txstatus:%s", transactionID), payload, statusCacheTTL).Err()
}

// GetCachedStatusView reads the serialized status view from Redis.
func (r *Repository) GetCachedStatusView(ctx context.Context, transactionID string) ([]byte, error) {
	return r.rdb.Get(ctx, fmt.Sprintf("txstatus:%s", transactionID)).Bytes()
}
