package services

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-switchfs/internal/disk"
	"github.com/deploymenttheory/go-switchfs/internal/keys"
	"github.com/deploymenttheory/go-switchfs/internal/testutil"
	"github.com/deploymenttheory/go-switchfs/internal/types"
)

func newService(t *testing.T, img *testutil.Image, kt *keys.KeyTable, opts SessionOptions) *NANDService {
	t.Helper()
	nand := disk.NewNANDImage(bytes.NewReader(img.Data), int64(len(img.Data)))
	s, err := NewNANDService(nand, kt, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSession(t *testing.T) {
	img := testutil.StandardImage(t)
	path := testutil.WriteFile(t, "rawnand.bin", img.Data)

	s, err := OpenSession(path, testutil.KeyTable(t), DefaultSessionOptions())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, path, s.Image().Path())
	assert.Equal(t, types.NANDSectorSize, s.SectorSize())
	assert.Len(t, s.Partitions(), len(img.Partitions))
	assert.True(t, s.Keys().Has(keys.KeyIndex(types.BISKeyUser)))
}

func TestOpenSessionMissingImage(t *testing.T) {
	_, err := OpenSession(t.TempDir()+"/missing.bin", nil, DefaultSessionOptions())
	assert.Error(t, err)
}

func TestNewNANDServiceRejectsSectorSize(t *testing.T) {
	img := testutil.StandardImage(t)
	nand := disk.NewNANDImage(bytes.NewReader(img.Data), int64(len(img.Data)))

	opts := DefaultSessionOptions()
	opts.SectorSize = 100
	_, err := NewNANDService(nand, nil, opts)
	assert.ErrorIs(t, err, types.ErrInvalidCipherInput)
}

func TestReadPartitionMatchesPlaintext(t *testing.T) {
	img := testutil.StandardImage(t)

	for _, cache := range []int{0, 8} {
		opts := DefaultSessionOptions()
		opts.CacheSectors = cache
		s := newService(t, img, testutil.KeyTable(t), opts)

		for _, p := range img.Partitions {
			want := img.Plaintext[p.Name]

			got, err := s.ReadPartition(p.Name, 0, p.Size())
			require.NoError(t, err, p.Name)
			assert.Equal(t, want, got, "%s cache=%d", p.Name, cache)

			got, err = s.ReadPartition(p.Name, 0x3FF0, 0x30)
			require.NoError(t, err, p.Name)
			assert.Equal(t, want[0x3FF0:0x4020], got, "%s straddles a sector boundary", p.Name)
		}
	}
}

func TestReadPartitionPastEnd(t *testing.T) {
	img := testutil.StandardImage(t)
	s := newService(t, img, testutil.KeyTable(t), DefaultSessionOptions())

	p, err := s.Partition("safe.img")
	require.NoError(t, err)

	got, err := s.ReadPartition("SAFE", p.Size-0x10, 0x100)
	require.NoError(t, err)
	assert.Len(t, got, 0x10)

	got, err = s.ReadPartition("SAFE", p.Size, 0x100)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.ReadPartition("SAFE", -1, 0x10)
	assert.ErrorIs(t, err, types.ErrOutOfRange)

	_, err = s.ReadPartition("BOOT0", 0, 0x10)
	assert.ErrorIs(t, err, types.ErrPartitionNotFound)
}

func TestReaderIsShared(t *testing.T) {
	img := testutil.StandardImage(t)
	s := newService(t, img, testutil.KeyTable(t), DefaultSessionOptions())

	a, err := s.Reader("SYSTEM")
	require.NoError(t, err)
	b, err := s.Reader("system")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestRegionWithoutKey(t *testing.T) {
	img := testutil.StandardImage(t)
	s := newService(t, img, nil, DefaultSessionOptions())

	user, err := s.Partition("USER")
	require.NoError(t, err)
	assert.False(t, s.Readable(user))

	_, err = s.Region(user)
	assert.ErrorIs(t, err, types.ErrInvalidKeyMaterial)

	_, err = s.ReadPartition("USER", 0, 0x10)
	assert.ErrorIs(t, err, types.ErrInvalidKeyMaterial)

	pkg, err := s.Partition("BCPKG2-1-Normal-Main")
	require.NoError(t, err)
	assert.True(t, s.Readable(pkg))

	got, err := s.ReadPartition(pkg.Name, 0, 0x40)
	require.NoError(t, err)
	assert.Equal(t, img.Plaintext[pkg.Name][:0x40], got)
}

func TestVerify(t *testing.T) {
	img := testutil.StandardImage(t)
	s := newService(t, img, testutil.KeyTable(t), DefaultSessionOptions())

	results, err := s.Verify(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(img.Partitions))

	status := map[string]string{}
	for _, r := range results {
		status[r.Partition] = r.Status
	}
	assert.Equal(t, map[string]string{
		"PRODINFO":             VerifyOK,
		"BCPKG2-1-Normal-Main": VerifySkipped,
		"SAFE":                 VerifyOK,
		"SYSTEM":               VerifyOK,
		"USER":                 VerifyOK,
	}, status)
}

func TestVerifyWrongAndMissingKeys(t *testing.T) {
	img := testutil.StandardImage(t)

	// SAFE gets the SYSTEM pair, USER gets nothing
	good := testutil.KeyTable(t)
	prod, _ := good.Pair(0)
	system, _ := good.Pair(2)
	kt, err := keys.NewKeyTable(map[keys.KeyIndex]keys.KeyPair{0: prod, 1: system, 2: system})
	require.NoError(t, err)

	s := newService(t, img, kt, DefaultSessionOptions())
	results, err := s.Verify(context.Background())
	require.NoError(t, err)

	byName := map[string]VerifyResult{}
	for _, r := range results {
		byName[r.Partition] = r
	}
	assert.Equal(t, VerifyOK, byName["PRODINFO"].Status)
	assert.Equal(t, VerifyMismatch, byName["SAFE"].Status)
	assert.Equal(t, "1", byName["SAFE"].KeyIndex)
	assert.Equal(t, VerifyOK, byName["SYSTEM"].Status)
	assert.Equal(t, VerifyNoKey, byName["USER"].Status)
}

func TestVerifyHonoursContext(t *testing.T) {
	img := testutil.StandardImage(t)
	s := newService(t, img, testutil.KeyTable(t), DefaultSessionOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := s.Verify(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestCacheStatistics(t *testing.T) {
	img := testutil.StandardImage(t)

	off := DefaultSessionOptions()
	off.CacheSectors = 0
	_, ok := newService(t, img, testutil.KeyTable(t), off).CacheStatistics()
	assert.False(t, ok)

	s := newService(t, img, testutil.KeyTable(t), DefaultSessionOptions())
	_, err := s.ReadPartition("USER", 0, 0x200)
	require.NoError(t, err)
	_, err = s.ReadPartition("USER", 0x100, 0x200)
	require.NoError(t, err)

	stats, ok := s.CacheStatistics()
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}
