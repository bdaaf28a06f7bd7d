package types

type ErrorResponse struct {
	Error  string `json:"error"`
	Stderr string `json:"stderr,omitempty"`
	Stdout string `json:"stdout,omitempty"`
}
