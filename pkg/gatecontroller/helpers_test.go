package gatecontroller

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func osWriteFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func chdir(t *testing.T, dir string) (restore func()) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	return func() { _ = os.Chdir(orig) }
}

func atoiMust(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}
