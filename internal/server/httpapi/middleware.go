package httpapi

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/ratelimit"
	"github.com/dmitrijs2005/gophsync/internal/server/services"
	"github.com/dmitrijs2005/gophsync/internal/server/session"
	"github.com/dmitrijs2005/gophsync/internal/server/verification"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

const sessionKey = "session"

// Device signal headers. User-Agent and Accept-Language are read as sent.
const (
	HeaderTimezone   = "X-Timezone"
	HeaderScreen     = "X-Screen-Resolution"
	HeaderPlatform   = "X-Platform"
	HeaderRetryAfter = "Retry-After"
)

func deviceSignals(c *fiber.Ctx) ratelimit.DeviceSignals {
	return ratelimit.DeviceSignals{
		UserAgent:        c.Get(fiber.HeaderUserAgent),
		Language:         c.Get(fiber.HeaderAcceptLanguage),
		Timezone:         c.Get(HeaderTimezone),
		ScreenResolution: c.Get(HeaderScreen),
		Platform:         c.Get(HeaderPlatform),
	}
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = statusFor(err)
		}
	}

	args := []any{
		"method", c.Method(),
		"path", c.Path(),
		"ip", c.IP(),
		"status", status,
		"latency", time.Since(start).String(),
	}
	if err != nil && status >= fiber.StatusInternalServerError {
		s.logger.Error(c.UserContext(), "HTTP request failed", append(args, "error", err.Error())...)
		return err
	}
	s.logger.Info(c.UserContext(), "HTTP request", args...)
	return err
}

// requireSession authenticates the bearer token against the device
// fingerprint and counts the request as session activity.
func (s *Server) requireSession(c *fiber.Ctx) error {
	h := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return common.ErrorUnauthorized
	}

	ctx := c.UserContext()
	sess, err := s.sessions.Validate(ctx, token, ratelimit.Fingerprint(deviceSignals(c)))
	if err != nil {
		return err
	}
	if err := sess.Touch(ctx); err != nil {
		return err
	}
	c.Locals(sessionKey, sess)
	return c.Next()
}

func currentSession(c *fiber.Ctx) *session.Session {
	s, _ := c.Locals(sessionKey).(*session.Session)
	return s
}

// statusFor maps the error taxonomy and sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch common.KindOf(err) {
	case common.KindValidation:
		return fiber.StatusBadRequest
	case common.KindPermission:
		return fiber.StatusForbidden
	case common.KindTransient:
		return fiber.StatusServiceUnavailable
	case common.KindRaceCondition, common.KindPartialBatch:
		return fiber.StatusConflict
	}

	switch {
	case errors.Is(err, common.ErrRateLimited), errors.Is(err, verification.ErrReminderNotDue):
		return fiber.StatusTooManyRequests
	case errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrInvalidToken),
		errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrSessionEnded):
		return fiber.StatusUnauthorized
	case errors.Is(err, common.ErrorNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, common.ErrAlreadyExists):
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}

	code := statusFor(err)
	var rl *services.RateLimitError
	if errors.As(err, &rl) && rl.Decision.RetryAfter > 0 {
		c.Set(HeaderRetryAfter, strconv.Itoa(int(rl.Decision.RetryAfter.Round(time.Second)/time.Second)))
	}

	msg := err.Error()
	if code == fiber.StatusInternalServerError {
		msg = common.ErrorInternal.Error()
	}
	return c.Status(code).JSON(fiber.Map{
		"error": msg,
		"class": common.KindOf(err).String(),
	})
}

// IPThrottle is a per-client-address token bucket in front of every API
// route. Idle entries are dropped by Cleanup.
type IPThrottle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPThrottle(perMinute, burst int) *IPThrottle {
	if burst <= 0 {
		burst = 5
	}
	return &IPThrottle{
		visitors: map[string]*visitor{},
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		now:      time.Now,
	}
}

func (t *IPThrottle) allow(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Cleanup forgets addresses not seen for idle and returns how many were
// removed.
func (t *IPThrottle) Cleanup(idle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-idle)
	n := 0
	for ip, v := range t.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(t.visitors, ip)
			n++
		}
	}
	return n
}

func (t *IPThrottle) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := clientIP(c)
		if !t.allow(ip) {
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}

func clientIP(c *fiber.Ctx) string {
	ip := c.IP()
	if ip == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
