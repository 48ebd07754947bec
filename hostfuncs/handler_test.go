package hostfuncs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetRequest struct {
	Name string `json:"name"`
}

type greetResponse struct {
	Greeting string `json:"greeting"`
}

func TestNewJSONHandler(t *testing.T) {
	handler := NewJSONHandler(func(_ context.Context, req greetRequest) greetResponse {
		if req.Name == "" {
			req.Name = "stranger"
		}
		return greetResponse{Greeting: "hello " + req.Name}
	})

	tests := []struct {
		name    string
		payload string
		want    string
		errType string
	}{
		{name: "decodes request", payload: `{"name":"ada"}`, want: `{"greeting":"hello ada"}`},
		{name: "empty payload is zero request", payload: ``, want: `{"greeting":"hello stranger"}`},
		{name: "malformed payload", payload: `{"name":`, errType: "VALIDATION_ERROR"},
		{name: "wrong type", payload: `{"name":3}`, errType: "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := handler(context.Background(), []byte(tt.payload))
			require.NoError(t, err)
			if tt.errType != "" {
				e, ok := IsErrorResponse(resp)
				require.True(t, ok)
				assert.Equal(t, tt.errType, e.Error)
				assert.Contains(t, e.Message, "malformed request")
				return
			}
			assert.JSONEq(t, tt.want, string(resp))
		})
	}
}

func TestNewJSONHandler_MarshalFailure(t *testing.T) {
	handler := NewJSONHandler(func(context.Context, struct{}) chan int { return make(chan int) })
	_, err := handler(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to marshal response")
}
