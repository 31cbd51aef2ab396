package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestPluginsValidate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "core.yaml"), []byte(`
name: ping
aliases: [p]
---
name: rules
kind: text
text: "Be nice."
---
name: reload
requires_elevated: true
`), 0o644))

	out, err := execute(t, "plugins", "validate", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "3 commands OK")
	assert.Contains(t, out, "rules")
}

func TestPluginsValidateRejectsCollisions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
name: ping
aliases: [p]
---
name: purge
kind: text
text: "x"
aliases: [p]
`), 0o644))

	_, err := execute(t, "plugins", "validate", "--dir", dir)
	assert.Error(t, err)
}
