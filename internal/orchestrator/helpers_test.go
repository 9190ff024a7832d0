package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kriansa/image-info/internal/fstab"
)

func mustParse(t *testing.T, content string) []fstab.Entry {
	t.Helper()
	entries, err := fstab.Parse(strings.NewReader(content))
	require.NoError(t, err)
	return entries
}
