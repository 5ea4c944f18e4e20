package models

import (
	"net/http"
	"time"
)

// Institution is read-only seed data for one funding body.
type Institution struct {
	ID           string       `yaml:"id" json:"id"`
	Name         string       `yaml:"name" json:"name"`
	BaseURL      string       `yaml:"base_url" json:"base_url"`
	SeedURLs     []string     `yaml:"seed_urls" json:"seed_urls"`
	FundingTypes []string     `yaml:"funding_types" json:"funding_types"`
	Keywords     []string     `yaml:"keywords" json:"keywords"`
	Region       string       `yaml:"region" json:"region"`
	Login        *LoginConfig `yaml:"login,omitempty" json:"login,omitempty"`
}

// LoginConfig describes how to authenticate against an institution portal.
// Credentials are filled from the environment, never from the registry file.
type LoginConfig struct {
	URL               string            `yaml:"url" json:"url"`
	FormSelector      string            `yaml:"form_selector,omitempty" json:"form_selector,omitempty"`
	EmailSelector     string            `yaml:"email_selector,omitempty" json:"email_selector,omitempty"`
	PasswordSelector  string            `yaml:"password_selector,omitempty" json:"password_selector,omitempty"`
	SessionCookieName string            `yaml:"session_cookie,omitempty" json:"session_cookie,omitempty"`
	ExtraFields       map[string]string `yaml:"extra_fields,omitempty" json:"extra_fields,omitempty"`
	Email             string            `yaml:"-" json:"-"`
	Password          string            `yaml:"-" json:"-"`
}

// HasCredentials reports whether a login can be attempted.
func (l *LoginConfig) HasCredentials() bool {
	return l != nil && l.URL != "" && l.Email != "" && l.Password != ""
}

// LoginSession is a cached authenticated session for one institution.
type LoginSession struct {
	InstitutionID string         `json:"institution_id"`
	Cookies       []*http.Cookie `json:"cookies"`
	SessionCookie string         `json:"session_cookie,omitempty"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// Valid reports whether the session can still be used at now.
func (s *LoginSession) Valid(now time.Time) bool {
	return s != nil && len(s.Cookies) > 0 && now.Before(s.ExpiresAt)
}
