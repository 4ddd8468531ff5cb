package models

import (
	"fmt"
	"strings"
	"time"
)

// ClientInfo describes the client (browser tab, device, connection) that asked for a session.
type ClientInfo struct {
	ID        string `json:"id"`
	UserAgent string `json:"userAgent"`
	Platform  string `json:"platform"`
	Language  string `json:"language"`
	IPAddress string `json:"ipAddress"`
}

type Session struct {
	ID              string        `json:"id"`
	Identity        string        `json:"identity"`
	Role            Role          `json:"role"`
	Capabilities    []string      `json:"capabilities"`
	APIAccess       bool          `json:"apiAccess"`
	Shared          bool          `json:"shared"`
	Kind            string        `json:"kind,omitempty"`
	LoginAt         time.Time     `json:"loginAt"`
	LastActivityAt  time.Time     `json:"lastActivityAt"`
	ExpiresAt       time.Time     `json:"expiresAt"`
	DurationProfile string        `json:"durationProfile"`
	Duration        time.Duration `json:"duration"`
	Client          ClientInfo    `json:"client"`
	Active          bool          `json:"active"`
}

// Valid reports whether the session may still be used at now.
func (s Session) Valid(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

func (s Session) HasCapability(name string) bool {
	for _, c := range s.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// SessionSummary is the conflict payload entry describing one existing session.
type SessionSummary struct {
	ID            string    `json:"id"`
	LoginAt       time.Time `json:"loginAt"`
	LastActivity  time.Time `json:"lastActivity"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Browser       string    `json:"browser"`
	TimeRemaining string    `json:"timeRemaining"`
}

func Summarize(sessions []Session, now time.Time) []SessionSummary {
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{
			ID:            s.ID,
			LoginAt:       s.LoginAt,
			LastActivity:  s.LastActivityAt,
			ExpiresAt:     s.ExpiresAt,
			Browser:       BrowserName(s.Client),
			TimeRemaining: FormatRemaining(s.ExpiresAt.Sub(now)),
		})
	}
	return out
}

// BrowserName renders a client as "<browser> on <os>".
func BrowserName(c ClientInfo) string {
	if c.UserAgent == "" && c.Platform == "" {
		return "Unknown Browser"
	}

	browser := "Unknown"
	switch ua := c.UserAgent; {
	case strings.Contains(ua, "Edg"):
		browser = "Edge"
	case strings.Contains(ua, "Chrome"):
		browser = "Chrome"
	case strings.Contains(ua, "Firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "Safari"):
		browser = "Safari"
	}

	os := c.Platform
	switch {
	case strings.Contains(c.Platform, "Win"):
		os = "Windows"
	case strings.Contains(c.Platform, "Mac"):
		os = "macOS"
	case strings.Contains(c.Platform, "Linux"):
		os = "Linux"
	}
	if os == "" {
		os = "Unknown"
	}
	return browser + " on " + os
}

// FormatRemaining renders a remaining duration as "Xh Ym", or "Expired".
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "Expired"
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

type Urgency string

const (
	UrgencyNone     Urgency = ""
	UrgencyWarning  Urgency = "warning"
	UrgencyCritical Urgency = "critical"
)

func UrgencyFor(remaining time.Duration) Urgency {
	switch {
	case remaining < 30*time.Minute:
		return UrgencyCritical
	case remaining < 2*time.Hour:
		return UrgencyWarning
	default:
		return UrgencyNone
	}
}

// SessionView is a session annotated for a session switcher.
type SessionView struct {
	Session
	Current       bool    `json:"current"`
	TimeRemaining string  `json:"timeRemaining"`
	Urgency       Urgency `json:"urgency"`
	LastActive    string  `json:"lastActive"`
	Browser       string  `json:"browser"`
}
