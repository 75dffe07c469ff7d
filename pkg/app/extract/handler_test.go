package extract

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/deploymenttheory/go-switchfs/internal/testutil"
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

type fixture struct {
	img       *testutil.Image
	imagePath string
	keysPath  string
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	img := testutil.StandardImage(t)
	return &fixture{
		img:       img,
		imagePath: testutil.WriteFile(t, "rawnand.bin", img.Data),
		keysPath:  testutil.WriteFile(t, "keys.txt", []byte(testutil.KeyDump())),
		dir:       t.TempDir(),
	}
}

func testContext() *app.Context {
	ctx := app.NewContext()
	ctx.Stdout = &bytes.Buffer{}
	ctx.Stderr = &bytes.Buffer{}
	return ctx
}

func decompress(t *testing.T, method string, data []byte) []byte {
	t.Helper()
	var r io.Reader
	switch method {
	case CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		defer dec.Close()
		r = dec
	case CompressionXZ:
		xr, err := xz.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		r = xr
	default:
		return data
	}
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

func TestHandleCompression(t *testing.T) {
	f := newFixture(t)
	want := f.img.Plaintext["USER"]

	for _, method := range []string{CompressionNone, CompressionZstd, CompressionXZ} {
		t.Run(method, func(t *testing.T) {
			dest := filepath.Join(f.dir, "user-"+method)
			resp, err := Handle(testContext(), &Request{
				ImagePath:   f.imagePath,
				KeysPath:    f.keysPath,
				Target:      app.PartitionTarget{Name: "user"},
				Dest:        dest,
				Compression: method,
			})
			require.NoError(t, err)

			assert.Equal(t, "USER", resp.Partition)
			assert.Equal(t, int64(len(want)), resp.BytesRead)

			written, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, int64(len(written)), resp.BytesWritten)
			assert.Equal(t, want, decompress(t, method, written))
		})
	}
}

func TestHandleRange(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()

	var progress []int
	var messages []string
	ctx.SetProgress(func(msg string, pct int) {
		progress = append(progress, pct)
		messages = append(messages, msg)
	})

	resp, err := Handle(ctx, &Request{
		ImagePath: f.imagePath,
		KeysPath:  f.keysPath,
		Target:    app.PartitionTarget{Name: "PRODINFO", Offset: 0x3FF8, Length: 0x10},
		Dest:      StdoutDest,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0x10), resp.BytesRead)
	assert.Equal(t, f.img.Plaintext["PRODINFO"][0x3FF8:0x4008], ctx.Stdout.(*bytes.Buffer).Bytes())
	assert.Equal(t, 100, progress[len(progress)-1])
	assert.Contains(t, messages, "Complete")
	assert.Contains(t, strings.Join(messages, "\n"), "Extracting")
}

func TestHandleDerivesDest(t *testing.T) {
	req := &Request{Compression: CompressionZstd}
	assert.Equal(t, "SAFE.img.zst", req.DestPath("SAFE"))
	req.Dest = "out.bin"
	assert.Equal(t, "out.bin", req.DestPath("SAFE"))
}

func TestHandleRefusesOverwrite(t *testing.T) {
	f := newFixture(t)
	dest := filepath.Join(f.dir, "exists.img")
	require.NoError(t, os.WriteFile(dest, []byte("keep"), 0o600))

	req := &Request{
		ImagePath: f.imagePath,
		KeysPath:  f.keysPath,
		Target:    app.PartitionTarget{Name: "SAFE"},
		Dest:      dest,
	}
	_, err := Handle(testContext(), req)
	var ce *app.CommonError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, app.ErrCodeInvalidInput, ce.Code)

	kept, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), kept)

	req.Force = true
	_, err = Handle(testContext(), req)
	require.NoError(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, f.img.Plaintext["SAFE"], got)
}

func TestHandleErrors(t *testing.T) {
	f := newFixture(t)
	emptyKeys := testutil.WriteFile(t, "empty.keys", []byte("# no keys\n"))

	tests := []struct {
		name string
		req  *Request
		code string
	}{
		{
			name: "unknown partition",
			req:  &Request{ImagePath: f.imagePath, KeysPath: f.keysPath, Target: app.PartitionTarget{Name: "BOOT0"}, Dest: StdoutDest},
			code: app.ErrCodePartitionNotFound,
		},
		{
			name: "missing key",
			req:  &Request{ImagePath: f.imagePath, KeysPath: emptyKeys, Target: app.PartitionTarget{Name: "USER"}, Dest: StdoutDest},
			code: app.ErrCodeKeyMaterial,
		},
		{
			name: "missing image",
			req:  &Request{ImagePath: filepath.Join(f.dir, "none.bin"), KeysPath: f.keysPath, Target: app.PartitionTarget{Name: "USER"}},
			code: app.ErrCodeImageAccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Handle(testContext(), tt.req)
			var ce *app.CommonError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.code, ce.Code)
		})
	}
}

func TestHandleCancelled(t *testing.T) {
	f := newFixture(t)
	dest := filepath.Join(f.dir, "cancelled.img")

	ctx := testContext()
	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	ctx.Context = cctx

	_, err := Handle(ctx, &Request{
		ImagePath: f.imagePath,
		KeysPath:  f.keysPath,
		Target:    app.PartitionTarget{Name: "USER"},
		Dest:      dest,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, dest)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{name: "valid", req: Request{ImagePath: "nand.bin", Target: app.PartitionTarget{Name: "USER"}}},
		{name: "no image", req: Request{Target: app.PartitionTarget{Name: "USER"}}, wantErr: true},
		{name: "no partition", req: Request{ImagePath: "nand.bin"}, wantErr: true},
		{name: "negative offset", req: Request{ImagePath: "nand.bin", Target: app.PartitionTarget{Name: "USER", Offset: -1}}, wantErr: true},
		{name: "bad compression", req: Request{ImagePath: "nand.bin", Target: app.PartitionTarget{Name: "USER"}, Compression: "gzip"}, wantErr: true},
		{name: "compressed stdout", req: Request{ImagePath: "nand.bin", Target: app.PartitionTarget{Name: "USER"}, Compression: "xz", Dest: "-"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFormatOutput(t *testing.T) {
	resp := &Response{Partition: "SYSTEM", Dest: "SYSTEM.img.xz", BytesRead: 2048, BytesWritten: 512, Compression: CompressionXZ}

	var buf bytes.Buffer
	require.NoError(t, FormatOutput(&buf, resp, "table"))
	assert.Contains(t, buf.String(), "Extracted SYSTEM to SYSTEM.img.xz")
	assert.Contains(t, buf.String(), "25.0%")

	buf.Reset()
	require.NoError(t, FormatOutput(&buf, resp, "json"))
	assert.Contains(t, buf.String(), `"bytes_written": 512`)

	assert.Error(t, FormatOutput(&buf, resp, "csv"))
}
