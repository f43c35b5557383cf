package steamcm

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// ParseToken extracts the claims tek-s3 relies on from a Steam refresh
// token without verifying its signature: the Steam ID from `sub`, the
// expiry from `exp`, and renewability from the `renew` audience. The
// server never validates tokens itself; Steam does that on sign-in.
func ParseToken(token string) (TokenInfo, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenInfo{}, fmt.Errorf("parse token: %w", err)
	}

	steamID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("parse token subject %q: %w", claims.Subject, err)
	}
	if claims.ExpiresAt == nil {
		return TokenInfo{}, errors.New("steamcm: token carries no expiry")
	}

	info := TokenInfo{
		SteamID: steamID,
		Expires: claims.ExpiresAt.Unix(),
	}
	for _, aud := range claims.Audience {
		if aud == "renew" {
			info.Renewable = true
			break
		}
	}
	return info, nil
}
