package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/observability"
)

func TestObservabilityCountsOnlyChatRoutes(t *testing.T) {
	app := fiber.New()
	app.Use(Observability(zerolog.Nop()))
	app.Get("/api/v2/projects/:projectID/chat/messages", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusForbidden)
	})
	app.Get("/api/v1/health", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	route := "/api/v2/projects/:projectID/chat/messages"
	before := testutil.ToFloat64(observability.ChatErrors().WithLabelValues(http.MethodGet, route, "403"))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/projects/p1/chat/messages", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.Equal(t, before+1, testutil.ToFloat64(observability.ChatErrors().WithLabelValues(http.MethodGet, route, "403")))
	require.Zero(t, testutil.ToFloat64(observability.ChatRequests().WithLabelValues(http.MethodGet, "/api/v1/health", "200")))
}

func TestLatencyBucket(t *testing.T) {
	require.Equal(t, "<=25ms", latencyBucket(0))
	require.Equal(t, ">500ms", latencyBucket(time.Second))
}
