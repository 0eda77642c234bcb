package llm

// ToolRegistry exposes the order-taking tools to the model and routes
// calls back. HandleTool returns the JSON result string spoken back
// into the conversation.
type ToolRegistry interface {
	Tools() []Tool
	HandleTool(name string, args map[string]any) (string, error)
}
