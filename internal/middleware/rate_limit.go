package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-chat/internal/utils"
)

// RateLimit allows each user max requests per window and project. Callers
// without a user are keyed by IP.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:          max,
		Expiration:   window,
		KeyGenerator: rateLimitKey(identifier),
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many chat requests, slow down")
		},
	})
}

func rateLimitKey(identifier string) func(*fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		subject, _ := c.Locals("user_id").(string)
		subject = strings.TrimSpace(subject)
		if subject == "" {
			subject = "ip:" + c.IP()
		}
		if project := strings.TrimSpace(c.Params("projectID")); project != "" {
			return fmt.Sprintf("%s:%s:%s", identifier, project, subject)
		}
		return fmt.Sprintf("%s:%s", identifier, subject)
	}
}
