package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CORSOptions configures the cross-origin policy for the operator API.
type CORSOptions struct {
	Origins     []string
	Methods     []string
	Headers     []string
	Credentials bool
	MaxAge      int
}

func defaultCORSOptions() CORSOptions {
	return CORSOptions{
		Origins:     []string{"http://localhost:3000"},
		Methods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		Headers:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		Credentials: true,
		MaxAge:      3600,
	}
}

// CORS returns a handler that answers preflight requests and stamps
// cross-origin headers on everything else.
func CORS(opts ...CORSOptions) fiber.Handler {
	cfg := defaultCORSOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	allowed := make(map[string]struct{}, len(cfg.Origins))
	for _, origin := range cfg.Origins {
		allowed[origin] = struct{}{}
	}
	methods := strings.Join(cfg.Methods, ",")
	headers := strings.Join(cfg.Headers, ",")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(c *fiber.Ctx) error {
		origin := c.Get("Origin")
		if len(cfg.Origins) > 0 {
			if _, ok := allowed[origin]; ok {
				c.Set("Access-Control-Allow-Origin", origin)
			}
		} else {
			c.Set("Access-Control-Allow-Origin", "*")
		}
		if cfg.Credentials {
			c.Set("Access-Control-Allow-Credentials", "true")
		}

		if c.Method() == fiber.MethodOptions {
			c.Set("Access-Control-Allow-Methods", methods)
			c.Set("Access-Control-Allow-Headers", headers)
			c.Set("Access-Control-Max-Age", maxAge)
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Next()
	}
}
