package correlation

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Format(t *testing.T) {
	id := Encode("abc123xyz", "main")
	assert.Regexp(t, regexp.MustCompile(`^ACC-main-VP-abc123-\d+-\d{3}$`), id)
}

func TestEncode_NormalizesAccount(t *testing.T) {
	id := encodeAt("abc123xyz", " Sub-A.1 ", time.UnixMilli(1708700123456), 7)
	assert.Equal(t, "ACC-sub_a_1-VP-abc123-1708700123456-007", id)

	id = encodeAt("abc123", "", time.UnixMilli(1), 999)
	assert.Equal(t, "ACC-main-VP-abc123-1-999", id)
}

func TestEncode_ShortIDShorterThanPrefix(t *testing.T) {
	id := encodeAt("ab", "main", time.UnixMilli(5), 1)
	assert.Equal(t, "ACC-main-VP-ab-5-001", id)
}

func TestRoundTrip(t *testing.T) {
	id := Encode("9f3c2a1e-7777-4d3b-a9a4-0e0c1d2f3a4b", "sub_a")

	short, ok := Decode(id)
	require.True(t, ok)
	assert.Equal(t, "9f3c2a", short)

	acct, ok := ExtractAccount(id)
	require.True(t, ok)
	assert.Equal(t, "sub_a", acct)
}

func TestDecode_Current(t *testing.T) {
	short, ok := Decode("ACC-main-VP-abc123-1708700123456-001")
	require.True(t, ok)
	assert.Equal(t, "abc123", short)
}

func TestDecode_Legacy(t *testing.T) {
	id := "VP-abc123-1708700123456-001"

	short, ok := Decode(id)
	require.True(t, ok)
	assert.Equal(t, "abc123", short)

	acct, ok := ExtractAccount(id)
	require.True(t, ok)
	assert.Equal(t, "main", acct)
}

func TestDecode_External(t *testing.T) {
	for _, id := range []string{
		"",
		"some-external-order",
		"x11223344",
		"VP-abc123",
		"ACC-main",
		"web_8f2c1a",
	} {
		_, ok := Decode(id)
		assert.False(t, ok, "Decode(%q)", id)
		_, ok = ExtractAccount(id)
		assert.False(t, ok, "ExtractAccount(%q)", id)
	}
}

func TestExtractAccount_ForeignAccountPrefix(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"ACC-main-abc123-1-001", "main"},
		{"ACC-desk-XYZ", "desk"},
		{"ACC-Sub_B-manual-42", "sub_b"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			acct, ok := ExtractAccount(tt.id)
			require.True(t, ok)
			assert.Equal(t, tt.want, acct)

			_, ok = Decode(tt.id)
			assert.False(t, ok)
		})
	}
}
