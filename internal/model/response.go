package model

import "github.com/kulangara/backend/internal/apperr"

type ErrorResponse struct {
	Status    string              `json:"status"`
	Message   string              `json:"message"`
	Code      string              `json:"code,omitempty"`
	Errors    []apperr.FieldError `json:"errors,omitempty"`
	RequestID string              `json:"requestId,omitempty"`
}

type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type PingResponse struct {
	Message string `json:"message"`
}

type RootResponse struct {
	Message   string            `json:"message"`
	Port      string            `json:"port"`
	Endpoints map[string]string `json:"endpoints"`
}

type UserEnvelope struct {
	User any `json:"user"`
}

type AuthUserResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Data    UserEnvelope `json:"data"`
}

type HealthServices struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Uptime    float64        `json:"uptime"`
	Services  HealthServices `json:"services"`
	Version   string         `json:"version,omitempty"`
}

type ProbeResponse struct {
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	Uptime    *float64 `json:"uptime,omitempty"`
}
