package httputil

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tungmaiv/lumikb-client/internal/domain"
)

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestDecodeProblemJSON(t *testing.T) {
	err := DecodeProblem(response(422,
		`{"type":"about:blank","title":"Validation Failed","status":422,"detail":"message is required"}`))

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 422, apiErr.Status)
	assert.Equal(t, "Validation Failed", apiErr.Title)
	assert.Equal(t, "message is required", apiErr.Detail)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDecodeProblemNonJSONBody(t *testing.T) {
	err := DecodeProblem(response(502, "<html>upstream dead</html>"))

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 502, apiErr.Status)
	assert.Equal(t, http.StatusText(502), apiErr.Title)
}

func TestDecodeProblemEmptyBody(t *testing.T) {
	err := DecodeProblem(response(401, ""))

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Unauthorized", apiErr.Title)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
