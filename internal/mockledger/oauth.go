package mockledger

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

// handleAuthorize plays the provider's consent screen: it immediately
// redirects back to the caller's redirect_uri with a fresh code, the
// caller's state, and the realm that "granted" access.
func (s *Server) handleAuthorize(c *gin.Context) {
	redirect := c.Query("redirect_uri")
	if redirect == "" {
		c.String(http.StatusBadRequest, "redirect_uri is required")
		return
	}
	target, err := url.Parse(redirect)
	if err != nil {
		c.String(http.StatusBadRequest, "redirect_uri is invalid")
		return
	}

	s.mu.Lock()
	code := s.nextID("code")
	s.codes[code] = true
	realmID := c.Query("realmId")
	if realmID == "" {
		realmID = s.defaultRealm
	}
	s.mu.Unlock()

	q := target.Query()
	q.Set("code", code)
	q.Set("state", c.Query("state"))
	q.Set("realmId", realmID)
	target.RawQuery = q.Encode()

	c.Redirect(http.StatusFound, target.String())
}

// handleToken exchanges authorization codes and refresh tokens for
// fresh token pairs.
func (s *Server) handleToken(c *gin.Context) {
	grant := c.PostForm("grant_type")

	s.mu.Lock()
	defer s.mu.Unlock()

	switch grant {
	case "authorization_code":
		code := c.PostForm("code")
		if !s.codes[code] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
			return
		}
		delete(s.codes, code) // single use

	case "refresh_token":
		rt := c.PostForm("refresh_token")
		if !s.tokens[rt] || s.revoked[rt] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
			return
		}

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
		return
	}

	access := s.nextID("at")
	refresh := s.nextID("rt")
	s.tokens[access] = true
	s.tokens[refresh] = true

	c.JSON(http.StatusOK, gin.H{
		"access_token":               access,
		"refresh_token":              refresh,
		"token_type":                 "bearer",
		"expires_in":                 3600,
		"x_refresh_token_expires_in": 8726400,
	})
}

// handleRevoke invalidates a token pair.
func (s *Server) handleRevoke(c *gin.Context) {
	tok := c.PostForm("token")
	if tok == "" {
		var body struct {
			Token string `json:"token"`
		}
		if err := c.ShouldBindJSON(&body); err == nil {
			tok = body.Token
		}
	}
	if tok == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	s.revoked[tok] = true
	s.mu.Unlock()

	c.Status(http.StatusOK)
}

// AuthorizeURL returns the mock's authorize endpoint for the given
// server base URL, as tests hand it to the credential manager.
func AuthorizeURL(base string) string { return fmt.Sprintf("%s/oauth/authorize", base) }

// TokenURL returns the mock's token endpoint.
func TokenURL(base string) string { return fmt.Sprintf("%s/oauth/token", base) }

// RevokeURL returns the mock's revocation endpoint.
func RevokeURL(base string) string { return fmt.Sprintf("%s/oauth/revoke", base) }

// BaseURL returns the API base the transport should use.
func BaseURL(base string) string { return base + APIPrefix }
