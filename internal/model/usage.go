package model

import "time"

// UsageRecord is one append-only latency entry written after a request
// has been answered.
type UsageRecord struct {
	ID           string    `json:"id" db:"id"`
	KeyID        string    `json:"key_id" db:"key_id"`
	Endpoint     string    `json:"endpoint" db:"endpoint"`
	Status       int       `json:"status" db:"status"`
	ValidationMs float64   `json:"validation_ms" db:"validation_ms"`
	ForwardMs    float64   `json:"forward_ms" db:"forward_ms"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Usage is the quota block attached to metered responses.
type Usage struct {
	RequestsRemaining int       `json:"requests_remaining"`
	ResetTime         time.Time `json:"reset_time"`
}
