package api

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// TokenRequest is the development token mint request.
type TokenRequest struct {
	UserID string `json:"user_id"`
}

// TokenResponse is the development token mint response.
type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the standard error payload for REST endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
