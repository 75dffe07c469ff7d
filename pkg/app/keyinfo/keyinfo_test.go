package keyinfo

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-switchfs/internal/testutil"
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

func TestHandle(t *testing.T) {
	path := testutil.WriteFile(t, "keys.txt", []byte(testutil.KeyDump()))

	resp, err := Handle(app.NewContext(), &Request{Path: path})
	require.NoError(t, err)

	assert.Equal(t, path, resp.Path)
	assert.True(t, resp.Complete)
	require.Len(t, resp.Keys, 4)
	assert.Equal(t, []string{"PRODINFO", "PRODINFOF"}, resp.Keys[0].Partitions)
	assert.Equal(t, []string{"USER"}, resp.Keys[3].Partitions)
}

func TestHandlePartialDump(t *testing.T) {
	path := testutil.WriteFile(t, "keys.txt", []byte(
		"bis_key_2 = 202122232425262728292A2B2C2D2E2FA0A1A2A3A4A5A6A7A8A9AAABACADAEAF\n"))

	resp, err := Handle(app.NewContext(), &Request{Path: path})
	require.NoError(t, err)
	assert.False(t, resp.Complete)
	assert.True(t, resp.Keys[2].Present)
	assert.False(t, resp.Keys[0].Present)

	var out bytes.Buffer
	require.NoError(t, FormatOutput(&out, resp, "table"))
	assert.Contains(t, out.String(), "present")
	assert.Contains(t, out.String(), "missing")
}

func TestHandleMalformed(t *testing.T) {
	path := testutil.WriteFile(t, "keys.txt", []byte("BIS KEY 0 (crypt): zz\n"))

	_, err := Handle(app.NewContext(), &Request{Path: path})
	var ce *app.CommonError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, app.ErrCodeKeyMaterial, ce.Code)
}
