package service

import (
	"fmt"
	"slices"

	"doublet/internal/doublet/models"
)

// FallbackKey names one free-text query of the failsafe search.
type FallbackKey string

const (
	FallbackEmail    FallbackKey = "email"
	FallbackName     FallbackKey = "name"
	FallbackMobile   FallbackKey = "mobile"
	FallbackLandline FallbackKey = "landline"
)

// Policy holds the product rules of a lookup.
type Policy struct {
	// RetryableStatuses route a failed primary search into the failsafe.
	RetryableStatuses []int
	// FallbackOrder is the order of the failsafe's free-text queries.
	FallbackOrder []FallbackKey
}

// DefaultPolicy retries on 500, 502, 503 and 504 and falls back by email,
// name, mobile, then landline.
func DefaultPolicy() Policy {
	return Policy{
		RetryableStatuses: []int{500, 502, 503, 504},
		FallbackOrder:     []FallbackKey{FallbackEmail, FallbackName, FallbackMobile, FallbackLandline},
	}
}

// ParseFallbackOrder converts configured key names.
func ParseFallbackOrder(keys []string) ([]FallbackKey, error) {
	out := make([]FallbackKey, 0, len(keys))
	for _, k := range keys {
		switch key := FallbackKey(k); key {
		case FallbackEmail, FallbackName, FallbackMobile, FallbackLandline:
			out = append(out, key)
		default:
			return nil, fmt.Errorf("unknown fallback key %q", k)
		}
	}
	return out, nil
}

func (p Policy) retryable(status int) bool {
	return slices.Contains(p.RetryableStatuses, status)
}

type freeText struct {
	key  FallbackKey
	text string
}

// fallbackQueries lists the free-text searches for q in policy order,
// skipping details the query does not carry.
func (p Policy) fallbackQueries(q models.Query) []freeText {
	var out []freeText
	for _, key := range p.FallbackOrder {
		var text string
		switch key {
		case FallbackEmail:
			text = q.Email
		case FallbackName:
			text = q.FirstName + " " + q.LastName
		case FallbackMobile:
			text = q.Mobile
		case FallbackLandline:
			text = q.Landline
		}
		if text != "" {
			out = append(out, freeText{key: key, text: text})
		}
	}
	return out
}
