package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTAuth validates the HS256 bearer token and stores the subject as the
// request's user id.
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authorization := c.Get("Authorization")
		tokenString := strings.TrimPrefix(authorization, "Bearer ")
		if tokenString == "" || tokenString == authorization {
			// SSE clients cannot set headers; allow token via query.
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token claims")
		}
		subject, err := claims.GetSubject()
		if err != nil || subject == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing subject")
		}
		userID, err := uuid.Parse(subject)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid subject")
		}

		c.Locals("user_id", userID)
		return c.Next()
	}
}
