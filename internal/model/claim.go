package model

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the closed set of claim lines the system assesses
type Category string

const (
	CategoryAuto   Category = "AUTO"
	CategoryHome   Category = "HOME"
	CategoryHealth Category = "HEALTH"
)

// ParseCategory normalizes a caller-supplied category
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToUpper(strings.TrimSpace(s))); c {
	case CategoryAuto, CategoryHome, CategoryHealth:
		return c, nil
	default:
		return "", fmt.Errorf("unknown claim category %q (supported: AUTO, HOME, HEALTH)", s)
	}
}

// ClaimRequest is the immutable input of one assessment run
type ClaimRequest struct {
	ID              string   `json:"claim_id" yaml:"claim_id"`
	Category        Category `json:"claim_type" yaml:"claim_type"`
	RequestedAmount float64  `json:"requested_amount" yaml:"requested_amount"`
	Description     string   `json:"description" yaml:"description"`
	DocumentURLs    []string `json:"document_urls,omitempty" yaml:"document_urls,omitempty"`
	PhotoURLs       []string `json:"damage_photo_urls,omitempty" yaml:"damage_photo_urls,omitempty"`
	IncidentDate    string   `json:"incident_date,omitempty" yaml:"incident_date,omitempty"` // RFC 3339 or YYYY-MM-DD
	Location        string   `json:"location,omitempty" yaml:"location,omitempty"`
}

// Validate checks the request before any stage runs
func (r *ClaimRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("claim_id is required")
	}
	c, err := ParseCategory(string(r.Category))
	if err != nil {
		return err
	}
	r.Category = c
	if r.RequestedAmount < 0 {
		return fmt.Errorf("requested_amount must be non-negative, got %v", r.RequestedAmount)
	}
	return nil
}

// IncidentDay returns the YYYY-MM-DD part of the incident date
func (r ClaimRequest) IncidentDay() string {
	if i := strings.Index(r.IncidentDate, "T"); i > 0 {
		return r.IncidentDate[:i]
	}
	return r.IncidentDate
}
