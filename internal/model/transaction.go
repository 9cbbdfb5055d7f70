package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates the lifecycle of an STK push transaction.
type Status string

const (
	StatusInitiated Status = "INITIATED"
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// transitions is the single place legal status moves are defined.
var transitions = map[Status][]Status{
	StatusInitiated: {StatusPending, StatusFailed},
	StatusPending:   {StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout},
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransitionTo checks the transition table.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

type Transaction struct {
	ID                 string          `gorm:"primaryKey;size:36"`
	UserID             *string         `gorm:"size:64;index"`
	PhoneNumber        string          `gorm:"size:15;not null"`
	Amount             decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	AccountReference   string          `gorm:"size:100"`
	TransactionDesc    string          `gorm:"size:200"`
	MerchantRequestID  *string         `gorm:"size:100"`
	CheckoutRequestID  *string         `gorm:"size:100;uniqueIndex"`
	MpesaReceiptNumber *string         `gorm:"size:100"`
	TransactionDate    *time.Time
	Status             Status    `gorm:"size:20;not null;index"`
	ResultCode         *string   `gorm:"size:32"`
	ResultDesc         *string   `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "mpesa_transaction" }

// CanApply reports whether moving the transaction to target is acceptable.
// Re-applying the status it already holds is allowed so a duplicate callback
// delivery rewrites the same values instead of being rejected.
func (t *Transaction) CanApply(target Status) bool {
	if t.Status == target {
		return true
	}
	return t.Status.CanTransitionTo(target)
}
