package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

const (
	ParseEmailPath = "/parse-email"
	DefaultTimeout = 20 * time.Second

	maxErrorBody = 512
)

// ErrParserStatus is wrapped when the parsing service answers with a non-2xx status.
var ErrParserStatus = errors.New("parser returned non-success status")

// ErrInvalidPayload is wrapped when a 2xx payload is an object that fails validation.
// The same email yields the same payload, so callers should not retry it.
var ErrInvalidPayload = errors.New("invalid parser payload")

type Client struct {
	baseURL    string
	httpClient *http.Client
	validate   *validator.Validate
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		validate: validator.New(),
	}
}

// Envelope is the normalized email submitted for parsing.
type Envelope struct {
	From     string  `json:"from"`
	Subject  string  `json:"subject"`
	Body     *string `json:"body"`
	HTMLBody *string `json:"htmlBody"`
	ReplyTo  string  `json:"replyTo"`
}

// ParsedItem is one line item as the parser reports it.
type ParsedItem struct {
	Name     string   `json:"name" validate:"required"`
	Quantity *float64 `json:"quantity" validate:"omitempty,gte=0"`
	Price    *float64 `json:"price" validate:"omitempty,gte=0"`
}

// ParsedOrder is a parser match.
type ParsedOrder struct {
	OrderID      *string      `json:"orderId"`
	Vendor       string       `json:"vendor" validate:"required"`
	Status       string       `json:"status"`
	TotalAmount  *float64     `json:"totalAmount" validate:"omitempty,gte=0"`
	OrderDate    *string      `json:"orderDate"`
	DeliveryDate *string      `json:"deliveryDate"`
	Items        []ParsedItem `json:"items" validate:"dive"`
	Category     *string      `json:"category"`
	Deeplink     *string      `json:"deeplink" validate:"omitempty,url"`
	OTP          *string      `json:"otp"`
}

// Parse submits the envelope. A nil order with a nil error means the email is not a purchase.
func (c *Client) Parse(ctx context.Context, envelope Envelope) (*ParsedOrder, error) {
	jsonData, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ParseEmailPath, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrParserStatus, resp.StatusCode, truncate(string(body), maxErrorBody))
	}

	return c.decode(body)
}

// decode maps a 2xx body to a result: empty, null or {} is no match, any other object is a match.
func (c *Client) decode(body []byte) (*ParsedOrder, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var order *ParsedOrder
	if err := json.Unmarshal(trimmed, &order); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if order == nil || order.isEmpty() {
		return nil, nil
	}

	if err := c.validate.Struct(order); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return order, nil
}

// isEmpty reports whether no order field was set, as for a bare {} answer.
func (o *ParsedOrder) isEmpty() bool {
	return o.OrderID == nil &&
		o.Vendor == "" &&
		o.Status == "" &&
		o.TotalAmount == nil &&
		o.OrderDate == nil &&
		o.DeliveryDate == nil &&
		len(o.Items) == 0 &&
		o.Category == nil &&
		o.Deeplink == nil &&
		o.OTP == nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
