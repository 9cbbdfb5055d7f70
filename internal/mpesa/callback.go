package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Metadata item names Daraja attaches to a successful callback.
const (
	MetaReceiptNumber   = "MpesaReceiptNumber"
	MetaTransactionDate = "TransactionDate"
	MetaAmount          = "Amount"
	MetaPhoneNumber     = "PhoneNumber"
)

var ErrMissingCheckoutID = errors.New("callback has no CheckoutRequestID")

// CallbackEnvelope mirrors the nested JSON Daraja posts to the callback URL.
type CallbackEnvelope struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string           `json:"MerchantRequestID"`
	CheckoutRequestID string           `json:"CheckoutRequestID"`
	ResultCode        int              `json:"ResultCode"`
	ResultDesc        string           `json:"ResultDesc"`
	CallbackMetadata  CallbackMetadata `json:"CallbackMetadata"`
}

// CallbackMetadata is an unordered list of tagged values, not a fixed-position
// record; items must be extracted by name.
type CallbackMetadata struct {
	Items []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// Get returns the raw value of the named item.
func (m CallbackMetadata) Get(name string) (interface{}, bool) {
	for _, it := range m.Items {
		if it.Name == name {
			return it.Value, true
		}
	}
	return nil, false
}

// GetString returns the named item rendered as a string. Numeric values such
// as TransactionDate arrive as JSON numbers and are formatted losslessly.
func (m CallbackMetadata) GetString(name string) (string, bool) {
	v, ok := m.Get(name)
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return fmt.Sprintf("%.0f", t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// ParseCallback decodes the raw envelope and rejects payloads with no
// correlation id, which could never be matched to a transaction.
func ParseCallback(raw []byte) (*STKCallback, error) {
	var env CallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse callback envelope: %w", err)
	}
	cb := env.Body.STKCallback
	if cb.CheckoutRequestID == "" {
		return nil, ErrMissingCheckoutID
	}
	return &cb, nil
}

// ParseTransactionDate parses the YYYYMMDDHHMMSS completion timestamp from a
// metadata value, which may be a JSON number or a string.
func ParseTransactionDate(v interface{}) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = fmt.Sprintf("%.0f", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported TransactionDate value %v", v)
	}
	return time.Parse(TimestampLayout, s)
}
