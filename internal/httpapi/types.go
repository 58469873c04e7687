package httpapi

import "github.com/jacentio/catalogstore/store"

// ChatTurn is one prior exchange of a conversation.
type ChatTurn struct {
	Role    string `json:"role" binding:"required,oneof=user assistant system"`
	Content string `json:"content" binding:"required"`
}

// CompletionRequest is the payload of a completion call.
type CompletionRequest struct {
	Message     string     `json:"message" binding:"required"`
	ChatHistory []ChatTurn `json:"chat_history" binding:"omitempty,dive"`
}

// ProductList is the response of list endpoints.
type ProductList struct {
	Products []store.Product `json:"products"`
	Count    int             `json:"count"`
	// Truncated is set when the limit cut the result short.
	Truncated bool `json:"truncated"`
}

// CandidatesResponse carries the products a completion may draw on.
type CandidatesResponse struct {
	Message    string          `json:"message"`
	Category   string          `json:"category"`
	Candidates []store.Product `json:"candidates"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
