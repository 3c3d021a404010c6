package assistant

import "context"

// Reply is the agent layer's answer to a batched user message.
type Reply struct {
	Text string
}

// Client is the prompt/CRUD agent collaborator. The session layer only needs
// to hand over debounced user text and relay the reply; everything behind
// this interface (prompting, tools, database access) is out of scope here.
type Client interface {
	Respond(ctx context.Context, sessionID, userText string) (*Reply, error)
}
