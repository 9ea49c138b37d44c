package completion

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Stream is a finite sequence of completion text fragments read from
// an SSE response body. It is not restartable; once Recv returns
// io.EOF the stream is exhausted.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	prompt  string
	content strings.Builder
	tokens  int
	done    bool
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func newStream(body io.ReadCloser, prompt string) *Stream {
	return &Stream{
		body:    body,
		scanner: bufio.NewScanner(body),
		prompt:  prompt,
	}
}

// Recv returns the next non-empty text fragment. It returns io.EOF
// when the upstream signals completion.
func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// incomplete chunks are skipped, matching upstream SSE behavior
			continue
		}

		if chunk.Usage != nil {
			s.tokens = chunk.Usage.TotalTokens
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			frag := chunk.Choices[0].Delta.Content
			s.content.WriteString(frag)
			return frag, nil
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

// Content returns the text assembled from all fragments received so
// far.
func (s *Stream) Content() string {
	return s.content.String()
}

// TokensUsed returns the upstream usage count, or a word-based
// estimate when the stream carried none.
func (s *Stream) TokensUsed() int {
	if s.tokens > 0 {
		return s.tokens
	}
	return EstimateTokens(s.prompt, s.content.String())
}

func (s *Stream) Close() error {
	return s.body.Close()
}
