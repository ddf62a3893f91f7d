package middleware

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/colemarcuccilli/SweetDreams-sub001/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

const callerKey = "caller"

var (
	ErrMissingToken = errors.New("missing authorization header")
	ErrBadToken     = errors.New("invalid authorization header format")
)

type Caller struct {
	Email   string
	IsAdmin bool
}

// IdentityProvider resolves who is making the request.
type IdentityProvider interface {
	Caller(c *fiber.Ctx) (Caller, error)
}

// JWTProvider reads HS256 bearer tokens. A caller is an admin when the
// token role is admin or the email is on the configured admin list.
type JWTProvider struct {
	secret      string
	adminEmails map[string]struct{}
}

func NewJWTProvider(secret string, adminEmails []string) *JWTProvider {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, email := range adminEmails {
		admins[strings.ToLower(strings.TrimSpace(email))] = struct{}{}
	}
	return &JWTProvider{secret: secret, adminEmails: admins}
}

func (p *JWTProvider) Caller(c *fiber.Ctx) (Caller, error) {
	token, err := bearerToken(c.Get("Authorization"))
	if errors.Is(err, ErrMissingToken) && c.Query("token") != "" {
		// Browsers cannot set headers on a websocket upgrade.
		token, err = strings.TrimSpace(c.Query("token")), nil
	}
	if err != nil {
		return Caller{}, err
	}
	claims, err := utils.ValidateToken(token, p.secret)
	if err != nil {
		return Caller{}, err
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	_, listed := p.adminEmails[email]
	return Caller{Email: email, IsAdmin: listed || claims.Role == utils.RoleAdmin}, nil
}

func AuthRequired(provider IdentityProvider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller, err := provider.Caller(c)
		if err != nil {
			message := "Invalid or expired token"
			if errors.Is(err, ErrMissingToken) {
				message = "Missing authorization header"
			} else if errors.Is(err, ErrBadToken) {
				message = "Invalid authorization header format"
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": message,
			})
		}

		c.Locals(callerKey, caller)
		return c.Next()
	}
}

func AdminRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller, ok := CallerFrom(c)
		if !ok || !caller.IsAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Admin access required",
			})
		}
		return c.Next()
	}
}

// CronSecretRequired guards scheduler endpoints with a shared bearer secret.
func CronSecretRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := bearerToken(c.Get("Authorization"))
		if err != nil || secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}
		return c.Next()
	}
}

func CallerFrom(c *fiber.Ctx) (Caller, bool) {
	caller, ok := c.Locals(callerKey).(Caller)
	return caller, ok
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", ErrBadToken
	}
	return parts[1], nil
}
