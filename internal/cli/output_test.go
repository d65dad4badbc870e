package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("E001", "proxy unreachable", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.NotNil(t, resp.Error)
	assert.Equal(t, "E001", resp.Error.Code)
	assert.Equal(t, "proxy unreachable", resp.Error.Message)
}

func TestOutputFormatter_JSONErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	details := map[string]string{"file": "offsync.toml", "line": "42"}
	err := formatter.Error("E002", "config invalid", details)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.NotNil(t, resp.Error)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("Queue empty")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Queue empty")
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	err := formatter.Error("E001", "proxy unreachable", nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E001]")
	assert.Contains(t, buf.String(), "proxy unreachable")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	details := map[string]string{"file": "offsync.toml"}
	err := formatter.Error("E001", "proxy unreachable", details)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E001]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Loading %s", "offsync.toml")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Loading offsync.toml")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestOutputFormatter_EnvelopeProvenance(t *testing.T) {
	tests := []struct {
		source      string
		wantOffline bool
		wantQueued  bool
	}{
		{"network", false, false},
		{"store", true, false},
		{"cache", true, false},
		{"deferred", true, true},
		{"", false, false},
	}

	for _, tt := range tests {
		t.Run("source_"+tt.source, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "json", Writer: buf, Source: tt.source}
			require.NoError(t, formatter.Success(map[string]int{"id": 3}))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
			assert.Equal(t, tt.source, resp.Source)
			assert.Equal(t, tt.wantOffline, resp.Offline)
			assert.Equal(t, tt.wantQueued, resp.Queued)
		})
	}
}

func TestOutputFormatter_TextNoteOnDiagnosticWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: out, ErrWriter: diag, Source: "deferred"}

	require.NoError(t, formatter.Success("review -1 saved"))
	assert.Equal(t, "review -1 saved\n", out.String())
	assert.Contains(t, diag.String(), "note: queued")

	out.Reset()
	diag.Reset()
	formatter.Source = "network"
	require.NoError(t, formatter.Success("review 42 saved"))
	assert.Equal(t, "review 42 saved\n", out.String())
	assert.Empty(t, diag.String())
}

func TestOutputFormatter_ErrorKeepsSource(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf, Source: "store"}
	require.NoError(t, formatter.Error(ErrCodeNotFound, "restaurant not found", nil))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "store", resp.Source)
	assert.True(t, resp.Offline)

	buf.Reset()
	formatter.Format = "text"
	require.NoError(t, formatter.Error(ErrCodeNotFound, "restaurant not found", nil))
	assert.Equal(t, "Error [E005]: restaurant not found (source: store)\n", buf.String())
}

func TestOutputFormatter_Render(t *testing.T) {
	data := map[string]int{"queued": 2}

	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, formatter.Render(data, func(w io.Writer) {
		fmt.Fprintln(w, "2 queued")
	}))
	assert.Equal(t, "2 queued\n", buf.String())

	buf.Reset()
	formatter = &OutputFormatter{Format: "json", Writer: buf, Source: "store"}
	require.NoError(t, formatter.Render(data, func(w io.Writer) {
		t.Fatal("text renderer called in json mode")
	}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "store", resp.Source)
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Fail(ExitFailure, ErrCodeUnreachable, "proxy unreachable", errors.New("connection refused"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnreachable, resp.Error.Code)
	assert.Equal(t, "connection refused", resp.Error.Details)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "inner", errors.New("cause")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
}
