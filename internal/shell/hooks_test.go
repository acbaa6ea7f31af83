package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookRendersBinaryPath(t *testing.T) {
	for _, sh := range Shells() {
		out, err := Hook(sh, "/usr/local/bin/hushlog")
		require.NoError(t, err, sh)
		assert.Contains(t, out, "/usr/local/bin/hushlog log", sh)
		assert.Contains(t, out, "HUSHLOG_SESSION", sh)
	}
}

func TestHookRejectsUnknownShell(t *testing.T) {
	_, err := Hook("powershell", "/bin/hushlog")
	require.Error(t, err)
}
