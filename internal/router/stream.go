package router

import (
	"strings"

	"github.com/nulpointcorp/model-router/internal/providers"
)

// ChunkText splits an accepted response into fixed-size pieces for the
// buffered-then-streamed mode. The concatenation of the chunks is always
// exactly the input text.
func ChunkText(text string, size int) []string {
	if size <= 0 {
		size = 80
	}
	if text == "" {
		return nil
	}
	chunks := make([]string, 0, len(text)/size+1)
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	return append(chunks, text)
}

// passthrough forwards provider deltas unchanged while accumulating the
// full text. After the upstream channel closes, onComplete runs once with
// the accumulated text and whether a terminal error chunk was seen.
func passthrough(upstream <-chan providers.StreamChunk, onComplete func(text string, failed bool)) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(out)

		var sb strings.Builder
		failed := false
		for chunk := range upstream {
			if chunk.FinishReason == "error" {
				failed = true
			} else {
				sb.WriteString(chunk.Content)
			}
			out <- chunk
		}
		onComplete(sb.String(), failed)
	}()

	return out
}
