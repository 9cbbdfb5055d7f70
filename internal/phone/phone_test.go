package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"0712345678", "254712345678", true},
		{"+254712345678", "254712345678", true},
		{"254712345678", "254712345678", true},
		{"712345678", "254712345678", true},
		{"0712 345-678", "254712345678", true},
		{"254812345678", "", false}, // landline/non-mobile prefix
		{"07123456", "", false},     // too short
		{"2547123456789", "", false},
		{"", "", false},
		{"abc", "", false},
	}
	for _, c := range cases {
		got, err := Normalize(c.in)
		if c.ok {
			assert.NoError(t, err, c.in)
			assert.Equal(t, c.want, got, c.in)
		} else {
			assert.ErrorIs(t, err, ErrInvalidPhoneNumber, c.in)
		}
	}
}
