package tools

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"forLlm"`  // content sent back to the LLM
	Silent  bool   `json:"silent"`  // suppress user-facing message
	IsError bool   `json:"isError"` // marks a failed execution
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}
