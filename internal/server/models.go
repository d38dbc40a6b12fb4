package server

// AuthSignupRequest is the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest is the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// MarkReadRequest names the stored emails to mark read at their providers.
type MarkReadRequest struct {
	EmailIDs []string `json:"email_ids"`
}

// RescheduleRequest carries a new cron expression for a scheduler job.
type RescheduleRequest struct {
	Cron string `json:"cron"`
}

// HTTPError is the JSON error envelope the unified error handler emits.
type HTTPError struct {
	Error string `json:"error"`
}
