package api

import "time"

// HealthResponse represents the health check API response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    float64   `json:"uptime"`
	Forms     int       `json:"forms"`
}

// SubmissionAccepted represents the intake API response.
type SubmissionAccepted struct {
	Status       string    `json:"status"`
	SubmissionID int64     `json:"submission_id"`
	UUID         string    `json:"uuid"`
	Timestamp    time.Time `json:"timestamp"`
}

// FormSummary describes one known form.
type FormSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Submissions int    `json:"submissions"`
}
