// Package mpesa is a client for the Safaricom Daraja STK push API.
//
// Initiation is a two-phase protocol: the gateway synchronously accepts or
// rejects the push, then reports the actual payment result later through an
// asynchronous callback. Acceptance must never be treated as success.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	// TimestampLayout is the YYYYMMDDHHMMSS format Daraja uses for request
	// timestamps and the TransactionDate callback metadata value.
	TimestampLayout = "20060102150405"
)

// AuthError means the OAuth token could not be obtained. No payment request
// may be sent without a token.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mpesa auth failed (status %d): %s", e.Status, e.Message)
}

// GatewayError is a transport-level failure talking to the gateway, as
// opposed to an application-level rejection carried in a parsed response.
type GatewayError struct {
	Op      string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("mpesa %s: %s", e.Op, e.Message)
}

// Config carries the Daraja credentials and business parameters. It is built
// once at startup and injected; there are no package-level globals.
type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	PartyB          string
	CallbackURL     string
	TransactionType string
	Timeout         time.Duration
}

// Client issues signed requests against the Daraja API.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.SugaredLogger
	now  func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient builds a client. Timeout defaults to 30s so a hung gateway fails
// closed instead of blocking the caller indefinitely.
func NewClient(cfg Config, log *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerBuyGoodsOnline"
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
		now:  time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// AccessToken returns a bearer token, fetching a fresh one when the cached
// token is missing or about to expire.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", &AuthError{Message: err.Error()}
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &AuthError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &AuthError{Status: resp.StatusCode, Message: string(body)}
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", &AuthError{Status: resp.StatusCode, Message: err.Error()}
	}
	if tr.AccessToken == "" {
		return "", &AuthError{Status: resp.StatusCode, Message: "empty access token"}
	}

	ttl := 3600
	if n, err := strconv.Atoi(tr.ExpiresIn); err == nil && n > 0 {
		ttl = n
	}
	c.token = tr.AccessToken
	// refresh a minute early so in-flight requests never carry a stale token
	c.tokenExp = c.now().Add(time.Duration(ttl-60) * time.Second)
	c.log.Debugw("fetched access token", "expires_in", ttl)
	return c.token, nil
}

// password derives the Daraja request password for the given timestamp.
func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse holds both the acceptance fields (2xx body) and the error
// body fields (non-2xx) Daraja may return for a push request.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`

	HTTPStatus int `json:"-"`
}

// Accepted reports synchronous acceptance: the push reached the handset and
// the final result will arrive via callback.
func (r *STKPushResponse) Accepted() bool {
	return r.HTTPStatus == http.StatusOK && r.ResponseCode == "0"
}

// FailureCode picks the most specific rejection code the gateway reported.
func (r *STKPushResponse) FailureCode() string {
	if r.ErrorCode != "" {
		return r.ErrorCode
	}
	if r.ResponseCode != "" {
		return r.ResponseCode
	}
	return "Unknown"
}

// FailureDesc picks the most specific rejection description.
func (r *STKPushResponse) FailureDesc() string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	if r.ResponseDescription != "" {
		return r.ResponseDescription
	}
	return "STK push rejected"
}

// STKPush sends a payment initiation request. A non-nil error is a transport
// or auth failure; an application-level rejection comes back as a parsed
// response with Accepted() == false.
func (c *Client) STKPush(ctx context.Context, phoneNumber string, amount decimal.Decimal, accountRef, description string) (*STKPushResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format(TimestampLayout)
	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            amount.String(),
		PartyA:            phoneNumber,
		PartyB:            c.cfg.PartyB,
		PhoneNumber:       phoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   description,
	}

	var out STKPushResponse
	if err := c.post(ctx, pushPath, token, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// QueryResponse is the gateway's answer to a status query.
type QueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`

	HTTPStatus int `json:"-"`
}

// QueryStatus asks the gateway for the outcome of a push whose callback has
// not arrived. It never mutates local state.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format(TimestampLayout)
	body := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var out QueryResponse
	if err := c.post(ctx, queryPath, token, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// post sends a signed JSON request and decodes the body into out regardless
// of HTTP status, so rejection bodies survive for the caller to record.
func (c *Client) post(ctx context.Context, path, token string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &GatewayError{Op: path, Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &GatewayError{Op: path, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &GatewayError{Op: path, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GatewayError{Op: path, Message: err.Error()}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &GatewayError{Op: path, Message: fmt.Sprintf("decode response (status %d): %v", resp.StatusCode, err)}
	}
	switch v := out.(type) {
	case *STKPushResponse:
		v.HTTPStatus = resp.StatusCode
	case *QueryResponse:
		v.HTTPStatus = resp.StatusCode
	}
	return nil
}
