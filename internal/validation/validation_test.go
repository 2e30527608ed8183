package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"1234567890123456789012345678901234567890", false},
		{"0x12345678901234567890123456789012345678", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		if got := IsAddress(tc.addr); got != tc.valid {
			t.Errorf("IsAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef1234567890123456789012345678901234",
		NormalizeAddress("  0xABCDEF1234567890123456789012345678901234 "))
	assert.Equal(t, "0x1234567890123456789012345678901234567890",
		NormalizeAddress("1234567890123456789012345678901234567890"))
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		Checksum("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))
	assert.Equal(t, "nope", Checksum("nope"))
}

func TestParseAmount(t *testing.T) {
	d, err := ParseAmount("100.50")
	require.NoError(t, err)
	assert.Equal(t, "100.5", d.String())

	for _, bad := range []string{"", "abc", "0", "-5", "1.0000000000000000001"} {
		_, err := ParseAmount(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestValidate(t *testing.T) {
	err := Validate(
		Required("recipient", ""),
		Address("recipient", ""),
		Amount("amount", "-1"),
		Required("asset", "USDC"),
	)
	require.Error(t, err)

	errs, ok := AsErrors(err)
	require.True(t, ok)
	require.Len(t, errs, 2)
	assert.Equal(t, "recipient", errs[0].Field)
	assert.Equal(t, "amount", errs[1].Field)
	assert.Contains(t, err.Error(), "recipient: is required")

	assert.NoError(t, Validate(Required("a", "x"), When(false, Required("b", ""))))
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"", true},
		{"tx_01J9ZK3Q8V5R2N7M4B6C1D0E9F", true},
		{"invoice-2026-10-14", true},
		{strings.Repeat("a", MaxIDLength), true},
		{strings.Repeat("a", MaxIDLength+1), false},
		{"tx`1", false},
		{"tx:1", false},
		{"tx 1", false},
		{"tx*1", false},
	}
	for _, tt := range tests {
		err := Validate(Identifier("id", tt.value))
		if tt.ok {
			assert.NoError(t, err, tt.value)
		} else {
			assert.Error(t, err, tt.value)
		}
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/groups/:group", AddressParamMiddleware("group"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/groups/not-an-address", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/groups/0x1234567890123456789012345678901234567890", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
