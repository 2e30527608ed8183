// Package validation checks proposal input before anything reaches the queue.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB). Unsigned operations
// are forwarded verbatim, so the limit also bounds stored payloads.
const MaxRequestSize = 1 << 20

// MaxAmountDecimals is the finest precision accepted for an amount.
const MaxAmountDecimals = 18

// MaxIDLength bounds client-chosen transaction ids so "<verb>:<id>" fits
// Telegram's 64 byte callback data.
const MaxIDLength = 48

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsAddress reports whether s is a 0x-prefixed 20 byte hex address.
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeAddress lowercases and trims an address. Pattern keys and signer
// group ids are always stored normalized.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// Checksum returns the EIP-55 form of a valid address, for display.
func Checksum(addr string) string {
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

// ParseAmount parses a strictly positive decimal amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, errors.New("invalid amount format")
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.New("amount must be greater than zero")
	}
	if -d.Exponent() > MaxAmountDecimals {
		return decimal.Zero, errors.New("amount has too many decimal places")
	}
	return d, nil
}

// FieldError is a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a malformed-input error. It is returned before a proposal is
// persisted.
type Errors []FieldError

// Error implements the error interface.
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// AsErrors extracts an Errors value from err.
func AsErrors(err error) (Errors, bool) {
	var ve Errors
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Check is one field rule.
type Check func() *FieldError

// Validate runs every check and returns nil when all pass.
func Validate(checks ...Check) error {
	var errs Errors
	for _, c := range checks {
		if fe := c(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Address checks an address field. Empty values pass; pair with Required.
func Address(field, value string) Check {
	return func() *FieldError {
		if value == "" || IsAddress(strings.TrimSpace(value)) {
			return nil
		}
		return &FieldError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
	}
}

// Amount checks a positive decimal amount. Empty values pass.
func Amount(field, value string) Check {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if _, err := ParseAmount(value); err != nil {
			return &FieldError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) Check {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Identifier checks a client-chosen id: letters, digits, '_' or '-', at most
// MaxIDLength bytes. Empty values pass.
func Identifier(field, value string) Check {
	return func() *FieldError {
		switch {
		case value == "":
			return nil
		case len(value) > MaxIDLength:
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		case !identifierPattern.MatchString(value):
			return &FieldError{Field: field, Message: "may only contain letters, digits, '_' and '-'"}
		}
		return nil
	}
}

// NonEmptyBytes checks that an opaque blob was supplied.
func NonEmptyBytes(field string, b []byte) Check {
	return func() *FieldError {
		if len(b) == 0 {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// When runs check only if cond holds.
func When(cond bool, check Check) Check {
	return func() *FieldError {
		if !cond {
			return nil
		}
		return check()
	}
}

// Custom turns an arbitrary predicate into a check.
func Custom(field, message string, ok bool) Check {
	return func() *FieldError {
		if ok {
			return nil
		}
		return &FieldError{Field: field, Message: message}
	}
}

// AddressParamMiddleware rejects requests whose URL parameter is not an address.
func AddressParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(param); v != "" && !IsAddress(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": param + " must be a valid address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
