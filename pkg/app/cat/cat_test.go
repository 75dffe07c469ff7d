package cat

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-switchfs/internal/testutil"
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

func TestHandle(t *testing.T) {
	img := testutil.StandardImage(t)
	imagePath := testutil.WriteFile(t, "rawnand.bin", img.Data)
	keysPath := testutil.WriteFile(t, "prod.keys", []byte(testutil.KeyDump()))
	system := img.Plaintext["SYSTEM"]

	tests := []struct {
		name   string
		target app.PartitionTarget
		hex    bool
		want   []byte
	}{
		{name: "boot sector", target: app.PartitionTarget{Name: "SYSTEM", Length: 0x200}, want: system[:0x200]},
		{name: "unaligned", target: app.PartitionTarget{Name: "system", Offset: 0x1FE, Length: 2}, want: []byte{0x55, 0xAA}},
		{name: "clamped", target: app.PartitionTarget{Name: "SYSTEM", Offset: int64(len(system)) - 4, Length: 100}, want: system[len(system)-4:]},
		{name: "past end", target: app.PartitionTarget{Name: "SYSTEM", Offset: int64(len(system)) + 10, Length: 50}, want: []byte{}},
		{name: "hexdump", target: app.PartitionTarget{Name: "PRODINFO", Length: 0x20}, hex: true, want: []byte(hex.Dump(img.Plaintext["PRODINFO"][:0x20]))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := app.NewContext()
			var out bytes.Buffer
			ctx.Stdout = &out
			ctx.Stderr = &bytes.Buffer{}

			_, err := Handle(ctx, &Request{ImagePath: imagePath, KeysPath: keysPath, Target: tt.target, Hex: tt.hex})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Bytes())
		})
	}
}

func TestHandleRejectsBadTarget(t *testing.T) {
	_, err := Handle(app.NewContext(), &Request{ImagePath: "nand.bin", Target: app.PartitionTarget{Name: "USER", Length: -1}})
	var ce *app.CommonError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, app.ErrCodeInvalidInput, ce.Code)
}
