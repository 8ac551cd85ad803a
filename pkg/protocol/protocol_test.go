package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReader_ParsesLineDelimitedRequests(t *testing.T) {
	input := `{"id":"1","method":"begin_session","params":{"workspace_root":"/r"}}
{"id":"2","method":"list_plans"}
`
	rd := NewReader(strings.NewReader(input))

	first, err := rd.Next()
	require.NoError(t, err)
	require.Equal(t, "1", first.ID)
	require.Equal(t, "begin_session", first.Method)

	var params struct {
		WorkspaceRoot string `json:"workspace_root"`
	}
	require.NoError(t, first.Decode(&params))
	require.Equal(t, "/r", params.WorkspaceRoot)

	second, err := rd.Next()
	require.NoError(t, err)
	require.Equal(t, "list_plans", second.Method)

	_, err = rd.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReader_SkipsBlankLines(t *testing.T) {
	rd := NewReader(strings.NewReader("\n\n{\"id\":\"1\",\"method\":\"list_plans\"}\n"))
	req, err := rd.Next()
	require.NoError(t, err)
	require.Equal(t, "list_plans", req.Method)
}

func TestReader_RejectsMalformedLine(t *testing.T) {
	rd := NewReader(strings.NewReader("not json\n"))
	_, err := rd.Next()
	require.Error(t, err)
}

func TestDecode_RequiresParams(t *testing.T) {
	req := Request{ID: "1", Method: "read_file"}
	var v map[string]interface{}
	require.Error(t, req.Decode(&v))
}

func TestWriter_EmitsOneLinePerResponse(t *testing.T) {
	var buf bytes.Buffer
	wr := NewWriter(&buf)

	resp, err := NewResultResponse("7", map[string]string{"status": "ok"})
	require.NoError(t, err)
	require.NoError(t, wr.Write(resp))
	require.NoError(t, wr.Write(NewErrorResponse("8", "PROMPT_GATE_LOCKED", io.ErrUnexpectedEOF)))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var ok Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ok))
	require.Equal(t, "7", ok.ID)
	require.Nil(t, ok.Error)

	var failed Response
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &failed))
	require.Equal(t, "8", failed.ID)
	require.NotNil(t, failed.Error)
	require.Equal(t, "PROMPT_GATE_LOCKED", failed.Error.Code)
}

func TestResponse_RoundTripPreservesCorrelationID(t *testing.T) {
	resp, err := NewResultResponse("abc", []int{1, 2, 3})
	require.NoError(t, err)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "abc", decoded.ID)
	require.JSONEq(t, "[1,2,3]", string(decoded.Result))
}
