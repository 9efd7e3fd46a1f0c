package session

import "time"

// ChunkType discriminates streamed reply frames. The backend emits a
// wider vocabulary than clients strictly need; unknown types pass
// through untouched so new frame kinds degrade gracefully.
type ChunkType string

const (
	ChunkStart      ChunkType = "start"
	ChunkDelta      ChunkType = "delta"
	ChunkContent    ChunkType = "content"
	ChunkAssistant  ChunkType = "assistant"
	ChunkThinking   ChunkType = "thinking"
	ChunkTool       ChunkType = "tool"
	ChunkToolResult ChunkType = "tool_result"
	ChunkSystem     ChunkType = "system"
	ChunkComplete   ChunkType = "complete"
	ChunkError      ChunkType = "error"
)

// Terminal reports whether a chunk of this type ends the stream.
func (t ChunkType) Terminal() bool {
	return t == ChunkComplete || t == ChunkError
}

// Text reports whether chunks of this type carry displayable reply
// text that accumulates into the assistant message.
func (t ChunkType) Text() bool {
	switch t {
	case ChunkDelta, ChunkContent, ChunkAssistant:
		return true
	}
	return false
}

// Chunk is one frame of a streamed reply.
type Chunk struct {
	Type      ChunkType
	Content   string
	MessageID string
	SessionID string
	Error     string
	Metadata  map[string]any
	Timestamp time.Time
}
