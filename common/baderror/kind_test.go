package baderror

import (
	"errors"
	"io/fs"
	"testing"

	E "github.com/sagernet/sing/common/exceptions"

	"github.com/stretchr/testify/require"
)

func TestWithKind(t *testing.T) {
	t.Parallel()
	kind := E.New("provisioning failed")
	err := WithKind(kind, fs.ErrNotExist, "open asset geoip-cn.srs")
	require.ErrorIs(t, err, kind)
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.Equal(t, "provisioning failed: open asset geoip-cn.srs: file does not exist", err.Error())
	require.Equal(t, kind, Kind(err, errors.ErrUnsupported, kind))
	require.Nil(t, WithKind(kind, nil))
}

func TestKindArgumentOrder(t *testing.T) {
	t.Parallel()
	outer := E.New("start failed")
	inner := E.New("permission denied")
	err := WithKind(outer, WithKind(inner, fs.ErrPermission))
	require.Equal(t, inner, Kind(err, inner, outer))
	require.Equal(t, outer, Kind(err, outer, inner))
	require.Nil(t, Kind(err, fs.ErrNotExist))
}
