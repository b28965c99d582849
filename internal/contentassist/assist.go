// Package contentassist turns part photos into draft inventory records and
// produces free-text pricing, strategy and ad copy for a part.
package contentassist

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/partsync/internal/inventory"
)

var (
	ErrUnavailable   = errors.New("content assist unavailable")
	ErrEmptyResponse = errors.New("content assist returned an empty response")
	ErrNoImages      = errors.New("at least one image is required")
)

const DefaultLocale = "es-MX"

type AnalysisRequest struct {
	// Images are base64 payloads, optionally as data URLs.
	Images          []string `json:"images"`
	BusinessContext string   `json:"businessContext"`
}

type Vehicle struct {
	Year  int    `json:"year"`
	Make  string `json:"make"`
	Model string `json:"model"`
	Trim  string `json:"trim"`
	VIN   string `json:"vin"`
}

type DetectedPart struct {
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	Condition      string  `json:"condition"`
	SuggestedPrice float64 `json:"suggestedPrice"`
	MinPrice       float64 `json:"minPrice"`
}

type DetectedGroup struct {
	Vehicle Vehicle        `json:"vehicle"`
	Parts   []DetectedPart `json:"parts"`
}

type AnalysisResult struct {
	Groups []DetectedGroup `json:"groups"`
}

type PartQuery struct {
	Part   string `json:"part"`
	Locale string `json:"locale"`
}

func (q PartQuery) locale() string {
	if l := strings.TrimSpace(q.Locale); l != "" {
		return l
	}
	return DefaultLocale
}

type Assistant interface {
	AnalyzeImages(ctx context.Context, req AnalysisRequest) (AnalysisResult, error)
	PricingInsight(ctx context.Context, q PartQuery) (string, error)
	SalesStrategy(ctx context.Context, q PartQuery) (string, error)
	AdCopy(ctx context.Context, q PartQuery) (string, error)
}

// ToItems flattens detected groups into draft items ready for
// Engine.AddItems. Ids are left blank for the engine to assign.
func (r AnalysisResult) ToItems(catalog *inventory.Catalog, now time.Time) []inventory.Item {
	if catalog == nil {
		catalog = inventory.AutoPartsCatalog()
	}
	var items []inventory.Item
	for _, g := range r.Groups {
		vehicle := inventory.VehicleInfo{
			Year:  g.Vehicle.Year,
			Make:  strings.TrimSpace(g.Vehicle.Make),
			Model: strings.TrimSpace(g.Vehicle.Model),
			Trim:  strings.TrimSpace(g.Vehicle.Trim),
			VIN:   strings.ToUpper(strings.TrimSpace(g.Vehicle.VIN)),
		}
		for _, p := range g.Parts {
			name := strings.TrimSpace(p.Name)
			if name == "" {
				continue
			}
			items = append(items, inventory.Item{
				Name:           name,
				Category:       catalog.Resolve(p.Category),
				Status:         inventory.StatusAvailable,
				Condition:      strings.TrimSpace(p.Condition),
				SuggestedPrice: nonNegative(p.SuggestedPrice),
				MinPrice:       nonNegative(p.MinPrice),
				DateAdded:      inventory.Timestamp(now),
				VehicleInfo:    vehicle,
			})
		}
	}
	return items
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// Disabled is the Assistant used when no model credentials are configured.
type Disabled struct{}

func (Disabled) AnalyzeImages(context.Context, AnalysisRequest) (AnalysisResult, error) {
	return AnalysisResult{}, ErrUnavailable
}

func (Disabled) PricingInsight(context.Context, PartQuery) (string, error) { return "", ErrUnavailable }
func (Disabled) SalesStrategy(context.Context, PartQuery) (string, error)  { return "", ErrUnavailable }
func (Disabled) AdCopy(context.Context, PartQuery) (string, error)         { return "", ErrUnavailable }
