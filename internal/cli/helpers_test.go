package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	deliveryLine = `{"kind":"delivery","envelope_id":"env-1","sent_at":1100,"payload":{"message_sent_at":1000,"receipt_timestamp":1100,"source_conversation_id":"C2"}}`
	messageLine  = `{"message":{"id":"m1","conversation_id":"C2","type":"outgoing","author_id":"ME","sent_at":1000,"send_state":{"C2":{"status":"sent","updated_at":1000}}}}`
	badLine      = `{"kind":"delivery"`
)

// testResponse mirrors CLIResponse with the payload left raw.
type testResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

// executeRoot runs the full command tree and returns stdout.
func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decodeData parses a JSON response and unmarshals its data into v.
func decodeData(t *testing.T, out string, v any) testResponse {
	t.Helper()
	var resp testResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	if v != nil {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
	return resp
}

// writeLines writes a JSON-lines file under dir.
func writeLines(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}
