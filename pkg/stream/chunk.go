// Package stream converts a run into an ordered sequence of typed chunks
// delivered as server-sent events. Every stream starts with a metadata chunk
// and ends with exactly one done or error chunk; token and step chunks flow
// in between.
package stream

import "time"

// Kind identifies the type of a stream chunk.
type Kind string

const (
	KindMetadata Kind = "metadata"
	KindToken    Kind = "token"
	KindStep     Kind = "step"
	KindDone     Kind = "done"
	KindError    Kind = "error"
)

// Chunk is one frame of a streamed run.
type Chunk struct {
	Kind     Kind           `json:"kind"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Metadata builds the opening chunk of a stream.
func Metadata(fields map[string]any) Chunk {
	return Chunk{Kind: KindMetadata, Metadata: fields}
}

// Token builds a partial-text chunk.
func Token(text string) Chunk {
	return Chunk{Kind: KindToken, Content: text}
}

// Step builds an intermediate-marker chunk (tool call started, tool result
// received, and similar progress signals).
func Step(content string, fields map[string]any) Chunk {
	return Chunk{Kind: KindStep, Content: content, Metadata: fields}
}

// Done builds the closing chunk of a successful stream.
func Done(fields map[string]any) Chunk {
	return Chunk{Kind: KindDone, Metadata: fields}
}

// Error builds the closing chunk of a failed stream. The payload mirrors the
// buffered error body: detail, error-code, timestamp.
func Error(detail, errorCode string) Chunk {
	return Chunk{
		Kind:    KindError,
		Content: detail,
		Metadata: map[string]any{
			"error-code": errorCode,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		},
	}
}
