package checksum

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumKnownValues(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "00000000"},
		{"a", "e8b7be43"},
		{"123456789", "cbf43926"},
		{"The quick brown fox jumps over the lazy dog", "414fa339"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SumString(tt.in))
			assert.Len(t, SumString(tt.in), Size)
		})
	}
}

func TestSumDeterministic(t *testing.T) {
	payload := []byte(strings.Repeat(`{"tables":[]}`, 1000))
	assert.Equal(t, Sum(payload), Sum(payload))
}

func TestSumSingleCharacterChange(t *testing.T) {
	base := []byte(strings.Repeat("x", 4096))
	for _, pos := range []int{0, 1, 2048, 4092, 4095} {
		changed := append([]byte(nil), base...)
		changed[pos] = 'y'
		assert.NotEqual(t, Sum(base), Sum(changed), "position %d", pos)
	}
}

func TestVerify(t *testing.T) {
	payload := []byte("snapshot")
	assert.True(t, Verify(payload, Sum(payload)))
	assert.False(t, Verify(payload, "00000000"))
}
