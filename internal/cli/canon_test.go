package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout bytes.Buffer
	cmd.SetIn(strings.NewReader(input))
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestCanonCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"sorts keys", `{"b": 1, "a": [true, null]}`, `{"a":[true,null],"b":1}`},
		{"utf16 key order", "{\"\uE000\":1,\"\U00010000\":2}", "{\"\U00010000\":2,\"\uE000\":1}"},
		{"integer wrapper kept", `{"$integer": "KgAAAAAAAAA="}`, `{"$integer":"KgAAAAAAAAA="}`},
		{"trailing newline", "\"x\"\n", `"x"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := executeWithInput(t, tt.input, "canon")
			require.NoError(t, err)
			assert.Equal(t, tt.want+"\n", out)
		})
	}
}

func TestCanonCommand_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "args.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"z":0,"a":"x"}`), 0644))

	out, err := executeWithInput(t, "", "canon", path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","z":0}`+"\n", out)

	_, err = executeWithInput(t, "", "canon", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCanonCommand_Malformed(t *testing.T) {
	out, err := executeWithInput(t, `{"a":`, "canon")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [MALFORMED_VALUE]")
}

func TestCanonCommand_Check(t *testing.T) {
	out, err := executeWithInput(t, `{"a":1,"b":2}`, "canon", "--check")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`+"\n", out)

	out, err = executeWithInput(t, `{"b":2,"a":1}`, "canon", "--check")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [NOT_CANONICAL]")
}
