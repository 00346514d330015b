package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterFrameIsNewlineTerminatedJSON(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFrame(ExecRequest{Argv: []string{"/bin/echo", "hi"}}))
	require.True(t, strings.HasSuffix(buf.String(), "\n"))
	require.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestExecRequestNormalizeDefaults(t *testing.T) {
	r := ExecRequest{Argv: []string{"/bin/true"}}
	r.Normalize()
	require.EqualValues(t, DefaultRows, r.Rows)
	require.EqualValues(t, DefaultCols, r.Cols)
	require.NotNil(t, r.Env)
}

func TestReadLineRawDoesNotConsumePastNewline(t *testing.T) {
	payload := "{\"status\":\"ok\"}\nREST-OF-STREAM"
	r := strings.NewReader(payload)
	line, err := ReadLineRaw(r)
	require.NoError(t, err)
	require.Equal(t, `{"status":"ok"}`, string(line))

	rest := make([]byte, len("REST-OF-STREAM"))
	n, err := r.Read(rest)
	require.NoError(t, err)
	require.Equal(t, "REST-OF-STREAM", string(rest[:n]))
}

func TestHasTagDistinguishesMountFromExec(t *testing.T) {
	require.True(t, HasTag([]byte(`{"tag":"mount0","guest_path":"/x","persistent":false}`)))
	require.False(t, HasTag([]byte(`{"argv":["/bin/true"]}`)))
}

func TestDecodeMountResponseEmptyLineIsSessionClosed(t *testing.T) {
	_, err := DecodeMountResponse(nil)
	require.Error(t, err)
}
