package provision

import (
	"os"
	"testing"

	C "github.com/sagernet/sing-vpn/constant"

	"github.com/stretchr/testify/require"
)

func TestServiceErrorFile(t *testing.T) {
	C.SetBasePath(t.TempDir())
	defer C.SetBasePath("")

	_, err := ReadServiceError()
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, WriteServiceError("engine failure: exit status 1"))
	message, err := ReadServiceError()
	require.NoError(t, err)
	require.Equal(t, "engine failure: exit status 1", message)

	_, err = ReadServiceError()
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, WriteServiceError("stale"))
	ClearServiceError()
	_, err = ReadServiceError()
	require.ErrorIs(t, err, os.ErrNotExist)
}
