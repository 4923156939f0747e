package api

import "time"

type HealthResponse struct {
	Status      string    `json:"status"`
	GeneratedAt time.Time `json:"generated_at"`
}
