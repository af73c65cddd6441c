package handlers

import (
	"pollenisator/internal/auth"
)

// TokenValidator checks the bearer token of a request against an
// engagement. *auth.Registry implements it.
type TokenValidator interface {
	Validate(value, engagement string) (auth.Token, error)
}

type TokenRequest struct {
	Subject string `json:"subject" binding:"required"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type IntervalRequest struct {
	Wave  string `json:"wave" binding:"required"`
	Dated string `json:"dated" binding:"required"`
	Datef string `json:"datef" binding:"required"`
}

type ServiceUpdateRequest struct {
	Service string `json:"service" binding:"required"`
	Product string `json:"product"`
}

type ToolIDsRequest struct {
	Tools []string `json:"tools" binding:"required"`
}

type BindRequest struct {
	Pentest string `json:"pentest"`
}

type InsertResponse struct {
	Res bool   `json:"res"`
	IID string `json:"iid"`
}

type DispatchResponse struct {
	Worker string `json:"worker"`
}
