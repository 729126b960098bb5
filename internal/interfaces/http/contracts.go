package http

import (
	"time"

	"github.com/sawpanic/ares/internal/domain"
)

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryResponse carries the newest index points, oldest first
type HistoryResponse struct {
	Symbol string                     `json:"symbol"`
	Count  int                        `json:"count"`
	Points []domain.IndexHistoryPoint `json:"points"`
}

// StateResponse is the divisor record plus the last published point
type StateResponse struct {
	State     *domain.IndexState        `json:"state"`
	LastPoint *domain.IndexHistoryPoint `json:"last_point"`
}
