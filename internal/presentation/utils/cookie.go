package utils

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	CookieMemberID = "member_id"

	memberCookieTTL = 30 * 24 * time.Hour
)

// MemberID returns the stable client handle carried by the member_id cookie.
// When the cookie is missing or unreadable a new handle is minted and the
// cookie to hand back to the client is returned alongside it.
func MemberID(r *http.Request) (string, *http.Cookie) {
	if cookie, err := r.Cookie(CookieMemberID); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(cookie.Value)
		if err == nil && len(decoded) > 0 {
			return string(decoded), nil
		}
	}

	id := uuid.NewString()
	return id, memberIDCookie(id)
}

func memberIDCookie(memberID string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieMemberID,
		Value:    base64.StdEncoding.EncodeToString([]byte(memberID)),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(memberCookieTTL),
	}
}
