package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(GatewayAuthMiddleware("secret", zerolog.Nop()))
	app.Get("/me", UserContextMiddleware(), func(c *fiber.Ctx) error {
		return c.SendString(strconv.FormatInt(UserID(c), 10))
	})
	return app
}

func TestMiddlewareChain(t *testing.T) {
	app := newApp()

	cases := []struct {
		name   string
		auth   string
		userID string
		status int
		body   string
	}{
		{name: "missing token", userID: "42", status: http.StatusUnauthorized},
		{name: "wrong token", auth: "Bearer nope", userID: "42", status: http.StatusUnauthorized},
		{name: "missing user", auth: "Bearer secret", status: http.StatusUnauthorized},
		{name: "bad user", auth: "Bearer secret", userID: "abc", status: http.StatusBadRequest},
		{name: "bearer token", auth: "Bearer secret", userID: "42", status: http.StatusOK, body: "42"},
		{name: "raw token", auth: "secret", userID: "7", status: http.StatusOK, body: "7"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			if tc.userID != "" {
				req.Header.Set("X-User-ID", tc.userID)
			}

			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)

			if tc.body != "" {
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, tc.body, string(body))
			}
		})
	}
}
