package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DirectSource is recorded when a click carries no referring page.
	DirectSource = "Direct Link"
	// UnknownLocation fills the click location, which is not resolved.
	UnknownLocation = "N/A"
)

// LinkRecord represents a shortened URL together with its click history
type LinkRecord struct {
	ID         uuid.UUID    `json:"-"`
	ShortCode  string       `json:"shortCode"`
	LongURL    string       `json:"longUrl"`
	ShortURL   string       `json:"shortUrl"`
	CreatedAt  time.Time    `json:"createdAt"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	ClickCount int64        `json:"clickCount"`
	Clicks     []ClickEvent `json:"clicks"`
}

// ClickEvent is one resolved redirect of a short link
type ClickEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Location  string    `json:"location"`
}

// IsExpired reports whether now is strictly past ExpiresAt; a link still resolves at its expiry instant.
func (l *LinkRecord) IsExpired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// AddClick appends a click and keeps ClickCount in step with Clicks.
func (l *LinkRecord) AddClick(click ClickEvent) {
	l.Clicks = append(l.Clicks, click)
	l.ClickCount = int64(len(l.Clicks))
}

// Clone returns a deep copy so callers never share the clicks slice.
func (l *LinkRecord) Clone() *LinkRecord {
	c := *l
	c.Clicks = make([]ClickEvent, len(l.Clicks))
	copy(c.Clicks, l.Clicks)
	return &c
}

// NewClickEvent builds a click, substituting DirectSource for an empty referrer.
func NewClickEvent(at time.Time, source string) ClickEvent {
	if source == "" {
		source = DirectSource
	}
	return ClickEvent{
		Timestamp: at.UTC(),
		Source:    source,
		Location:  UnknownLocation,
	}
}

// CreateLinkRequest represents the request body for creating a short URL
type CreateLinkRequest struct {
	LongURL    string `json:"longUrl" binding:"required"`
	CustomCode string `json:"customCode,omitempty"`
	Validity   *int   `json:"validity,omitempty"` // Minutes; nil means the default
}

// BatchCreateRequest represents the request body for creating several short URLs
type BatchCreateRequest struct {
	Links []CreateLinkRequest `json:"links" binding:"required"`
}

// BatchCreateResponse lists the links created by a batch request
type BatchCreateResponse struct {
	Links []*LinkRecord `json:"links"`
}

// LinkListResponse is the stats table payload
type LinkListResponse struct {
	Links []*LinkRecord `json:"links"`
	Total int           `json:"total"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Index   *int   `json:"index,omitempty"`
}
