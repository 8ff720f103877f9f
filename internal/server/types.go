// Package server provides the HTTP server for the song job API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/songqueue/songapi/internal/job"
)

// SubmitURLRequest is the HTTP request body for submitting a song by URL.
type SubmitURLRequest struct {
	// URL is the location of the song to process.
	URL string `json:"url" validate:"required,url"`
	// Args are the processing parameters.
	Args *job.ProcessingArgs `json:"args" validate:"required"`
}

// SubmitResponse is the HTTP response after accepting a job.
type SubmitResponse struct {
	// ID is the unique identifier for the created job.
	ID string `json:"id"`
	// Status is the initial job status.
	Status string `json:"status"`
}

// QueueResponse is the HTTP response for polling a job.
type QueueResponse struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"`
	Source    string             `json:"source,omitempty"`
	Args      job.ProcessingArgs `json:"args"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
