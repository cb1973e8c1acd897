package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/tungmaiv/lumikb-client/internal/domain"
)

// problemDetail mirrors the RFC 7807 Problem Details body the backend emits
type problemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// DecodeProblem turns a non-2xx response into a *domain.APIError. Bodies that
// are not valid problem+json still produce a usable error from the status line.
func DecodeProblem(resp *http.Response) error {
	apiErr := &domain.APIError{
		Status: resp.StatusCode,
		Title:  http.StatusText(resp.StatusCode),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || len(body) == 0 {
		return apiErr
	}

	var problem problemDetail
	if err := json.Unmarshal(body, &problem); err != nil {
		return apiErr
	}
	if problem.Title != "" {
		apiErr.Title = problem.Title
	}
	apiErr.Detail = problem.Detail

	return apiErr
}
