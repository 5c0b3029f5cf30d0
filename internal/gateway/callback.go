package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Well-known gateway result codes. Anything else nonzero is a generic failure.
const (
	ResultCodeSuccess   = 0
	ResultCodeCancelled = 1032
)

// CallbackEnvelope is the webhook body delivered after an STK push concludes.
type CallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// ParseCallback decodes a webhook body. A decode failure means the payload is
// not a recognizable callback at all; the route still acknowledges it.
func ParseCallback(body []byte) (*StkCallback, error) {
	var envelope CallbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode callback envelope: %w", err)
	}
	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback missing CheckoutRequestID")
	}
	return &cb, nil
}

// ParseTimeoutNotice extracts the correlation id from a queue-timeout
// notice. The gateway has delivered it both as a top-level field and nested
// in the callback envelope, so both shapes are accepted; json matching is
// case-insensitive, which also covers the checkoutRequestID casing.
func ParseTimeoutNotice(body []byte) (string, error) {
	var notice struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		Body              struct {
			StkCallback struct {
				CheckoutRequestID string `json:"CheckoutRequestID"`
			} `json:"stkCallback"`
		} `json:"Body"`
	}
	if err := json.Unmarshal(body, &notice); err != nil {
		return "", fmt.Errorf("decode timeout notice: %w", err)
	}
	id := notice.CheckoutRequestID
	if id == "" {
		id = notice.Body.StkCallback.CheckoutRequestID
	}
	if id == "" {
		return "", fmt.Errorf("timeout notice missing CheckoutRequestID")
	}
	return id, nil
}

// Receipt returns the gateway receipt number from a success callback, or ""
// when the metadata block is absent.
func (c *StkCallback) Receipt() string {
	return c.metadataString("MpesaReceiptNumber")
}

// Amount returns the confirmed amount from the metadata block.
func (c *StkCallback) Amount() (float64, bool) {
	if c.CallbackMetadata == nil {
		return 0, false
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name != "Amount" {
			continue
		}
		switch v := item.Value.(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// PayerPhone returns the confirmed paying number from the metadata block,
// which can differ from the number the push was sent to.
func (c *StkCallback) PayerPhone() string {
	return c.metadataString("PhoneNumber")
}

// TransactionDate parses the gateway's YYYYMMDDHHMMSS timestamp. The gateway
// reports East Africa local time; store it as-is in UTC terms since the
// engine only uses it for display and audit.
func (c *StkCallback) TransactionDate() (time.Time, bool) {
	raw := c.metadataString("TransactionDate")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c *StkCallback) metadataString(name string) string {
	if c.CallbackMetadata == nil {
		return ""
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name != name {
			continue
		}
		switch v := item.Value.(type) {
		case string:
			return v
		case float64:
			// Integral values arrive as JSON numbers.
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}
