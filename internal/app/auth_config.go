package app

import (
	"strings"

	"github.com/charlesng35/confsessions/internal/auth"
)

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultTokenTTL
	}

	return auth.JWTConfig{
		Secret:   strings.TrimSpace(c.JWT.Secret),
		Issuer:   strings.TrimSpace(c.JWT.Issuer),
		TokenTTL: ttl,
	}
}
