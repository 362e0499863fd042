// Package respond defines the Provider interface for response generation
// backends.
//
// A respond provider wraps a chat-completion LLM and turns a conversation
// history ending in a user utterance into the assistant's next reply. Both a
// blocking and a streaming call are offered; the session layer prefers
// streaming so synthesis can begin before the full reply has been generated.
//
// Implementations must be safe for concurrent use.
package respond

import "context"

// Message is one entry of the conversation history sent to the model.
type Message struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// Request describes one response-generation call.
type Request struct {
	// SystemPrompt is prepended as the system message when non-empty.
	SystemPrompt string

	// Messages is the conversation history, oldest first, ending with the
	// user utterance to respond to.
	Messages []Message

	// Temperature is the sampling temperature. Zero means provider default.
	Temperature float64

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int
}

// Usage reports token consumption for a completed request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the result of a blocking Respond call.
type Response struct {
	// Content is the full reply text.
	Content string

	// Usage is the token accounting, when the backend reports one.
	Usage Usage
}

// Chunk is one streamed fragment of a reply.
type Chunk struct {
	// Text is the incremental reply text. May be empty on the final chunk.
	Text string

	// FinishReason is non-empty on the last chunk: "stop", "length", or
	// "error". On "error", Err carries the failure.
	FinishReason string

	// Err is the terminal error of the stream, set only alongside
	// FinishReason "error".
	Err error
}

// Provider is the abstraction over any response-generation backend.
type Provider interface {
	// Respond generates the complete reply to req and blocks until it is
	// available or the context is cancelled.
	Respond(ctx context.Context, req Request) (*Response, error)

	// Stream generates the reply incrementally. The returned channel emits
	// Chunks in order and is closed after the chunk carrying a FinishReason.
	// Cancelling ctx terminates the stream.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
