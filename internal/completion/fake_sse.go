package completion

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// newFakeSSEBody renders fragments as the SSE wire format the real
// upstream produces, terminated by [DONE].
func newFakeSSEBody(fragments []string) io.ReadCloser {
	var sb strings.Builder
	for _, frag := range fragments {
		data, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"delta": map[string]string{"content": frag}},
			},
		})
		fmt.Fprintf(&sb, "data: %s\n\n", data)
	}
	sb.WriteString("data: [DONE]\n\n")

	return io.NopCloser(strings.NewReader(sb.String()))
}
