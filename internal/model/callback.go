package model

import "time"

// CallbackRecord is an append-only audit row for every callback delivery the
// gateway makes, duplicates included. Rows are never updated or deleted.
type CallbackRecord struct {
	ID                uint64    `gorm:"primaryKey"`
	TransactionID     string    `gorm:"size:36;not null;index"`
	MerchantRequestID string    `gorm:"size:100;not null"`
	CheckoutRequestID string    `gorm:"size:100;not null;index"`
	ResultCode        string    `gorm:"size:10;not null;index"`
	ResultDesc        string    `gorm:"type:text"`
	Payload           string    `gorm:"type:jsonb;not null"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

func (CallbackRecord) TableName() string { return "mpesa_callback" }
