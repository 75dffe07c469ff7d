package xtsn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTweakMul2(t *testing.T) {
	tests := []struct {
		name string
		in   tweak
		want tweak
	}{
		{
			name: "one doubles to two",
			in:   tweak{0x01},
			want: tweak{0x02},
		},
		{
			name: "carry crosses a byte boundary",
			in:   tweak{0x80},
			want: tweak{0x00, 0x01},
		},
		{
			name: "top bit reduces by 0x87",
			in:   tweak{15: 0x80},
			want: tweak{0x87},
		},
		{
			name: "top bit with low bits set",
			in:   tweak{0x01, 15: 0xC0},
			want: tweak{0x02 ^ 0x87, 15: 0x80},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in
			got.mul2()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTweakAdvance(t *testing.T) {
	var a, b tweak
	a[3] = 0x5A
	b = a

	a.advance(9)
	for i := 0; i < 9; i++ {
		b.mul2()
	}
	assert.Equal(t, b, a)
}
