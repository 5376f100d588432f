package handlers

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt"
)

const (
	RoleCourier  = "courier"
	RoleCustomer = "customer"
)

// Principal is the authenticated identity behind a connection. For couriers
// ID is the operational courier id (the "courier_id" claim), which is
// distinct from the account id in "sub".
type Principal struct {
	ID        string
	AccountID string
	Role      string
}

// Authenticate validates the access token and resolves the principal. An
// expired access token is not fatal when a valid refresh token accompanies
// it: a fresh access token is minted and returned so the connection handler
// can emit it back to the client before anything else.
func (s *Server) Authenticate(rawToken, rawRefresh string) (Principal, string, error) {
	claims, err := parseToken(rawToken, s.cfg.JWT.SecretKey)
	if err == nil {
		p, perr := principalFromClaims(claims)
		return p, "", perr
	}

	if !isExpired(err) || rawRefresh == "" {
		return Principal{}, "", err
	}

	refreshClaims, err := parseToken(rawRefresh, s.cfg.JWT.RefreshSecret)
	if err != nil {
		return Principal{}, "", err
	}
	p, err := principalFromClaims(refreshClaims)
	if err != nil {
		return Principal{}, "", err
	}

	fresh, err := s.mintAccessToken(p)
	if err != nil {
		return Principal{}, "", err
	}
	return p, fresh, nil
}

// ValidateToken gates the websocket upgrade. The resolved principal (and a
// refreshed token, when one was minted) travel to the connection handler
// through fiber locals.
func (s *Server) ValidateToken(c *fiber.Ctx) error {
	principal, fresh, err := s.Authenticate(c.Query("token"), c.Query("refresh_token"))
	if err != nil {
		return fiber.ErrUnauthorized
	}

	c.Locals("principal", principal)
	if fresh != "" {
		c.Locals("fresh_token", fresh)
	}
	return c.Next()
}

func (s *Server) mintAccessToken(p Principal) (string, error) {
	claims := jwt.MapClaims{
		"sub":  p.AccountID,
		"role": p.Role,
		"exp":  time.Now().Add(s.cfg.JWT.AccessTTL).Unix(),
	}
	if p.Role == RoleCourier {
		claims["courier_id"] = p.ID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWT.SecretKey))
}

func parseToken(raw, secret string) (jwt.MapClaims, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty token")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func isExpired(err error) bool {
	ve, ok := err.(*jwt.ValidationError)
	return ok && ve.Errors&jwt.ValidationErrorExpired != 0
}

func principalFromClaims(claims jwt.MapClaims) (Principal, error) {
	role, _ := claims["role"].(string)
	sub, _ := claims["sub"].(string)

	switch role {
	case RoleCourier:
		courierID, _ := claims["courier_id"].(string)
		if courierID == "" {
			return Principal{}, fmt.Errorf("courier token missing courier_id claim")
		}
		return Principal{ID: courierID, AccountID: sub, Role: RoleCourier}, nil
	case RoleCustomer:
		if sub == "" {
			return Principal{}, fmt.Errorf("customer token missing sub claim")
		}
		return Principal{ID: sub, AccountID: sub, Role: RoleCustomer}, nil
	}
	return Principal{}, fmt.Errorf("unknown role %q", role)
}
