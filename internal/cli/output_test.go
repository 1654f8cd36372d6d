package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatterJSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Success(map[string]string{"result": "ok"}, "result ok")
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatterTextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"result": "ok"}, "deposit accepted: tx=T1"))
	assert.Equal(t, "deposit accepted: tx=T1\n", buf.String())
}

func TestOutputFormatterJSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeNotFound, "account A not found", nil))

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "account A not found", resp.Error.Message)
}

func TestOutputFormatterTextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeRefused, "withdraw refused", nil))
	assert.Contains(t, buf.String(), "Error [E006]: withdraw refused")
}

func TestVerboseLogGoesToErrWriter(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: out, ErrWriter: errOut, Verbose: true}

	formatter.VerboseLog("opened %s", "store.db")
	assert.Empty(t, out.String())
	assert.Equal(t, "opened store.db\n", errOut.String())

	before := errOut.String()
	formatter.Verbose = false
	formatter.VerboseLog("dropped")
	assert.Equal(t, before, errOut.String())
}

func TestExitErrorCodes(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, ExitFailure, GetExitCode(plain))

	wrapped := WrapExitError(ExitCommandError, "load configuration", plain)
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Contains(t, wrapped.Error(), "load configuration")
	assert.ErrorIs(t, wrapped, plain)

	bare := NewExitError(ExitFailure, "amount must be positive")
	assert.Equal(t, ExitFailure, GetExitCode(bare))
	assert.Equal(t, "amount must be positive", bare.Error())

	// Codes survive another layer of wrapping.
	outer := fmt.Errorf("cli: %w", wrapped)
	assert.Equal(t, ExitCommandError, GetExitCode(outer))
}
