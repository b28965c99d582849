package inventory

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownAction = errors.New("unknown action")
)

type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusSold      Status = "SOLD"
)

type VehicleInfo struct {
	Year  int    `json:"year"`
	Make  string `json:"make"`
	Model string `json:"model"`
	Trim  string `json:"trim"`
	VIN   string `json:"vin"`
}

// Item is the canonical part record shared by both collections.
type Item struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Category       string      `json:"category"`
	Status         Status      `json:"status"`
	Condition      string      `json:"condition"`
	SuggestedPrice float64     `json:"suggestedPrice"`
	MinPrice       float64     `json:"minPrice"`
	FinalPrice     *float64    `json:"finalPrice,omitempty"`
	DateAdded      string      `json:"dateAdded"`
	VehicleInfo    VehicleInfo `json:"vehicleInfo"`
}

// Clone returns a deep copy; FinalPrice is the only pointer field.
func (it Item) Clone() Item {
	if it.FinalPrice != nil {
		v := *it.FinalPrice
		it.FinalPrice = &v
	}
	return it
}

// MarkSold returns a sold copy carrying price as the final price.
func (it Item) MarkSold(price float64) Item {
	out := it.Clone()
	out.Status = StatusSold
	out.FinalPrice = &price
	return out
}

// MarkAvailable returns an available copy with the final price cleared.
func (it Item) MarkAvailable() Item {
	out := it.Clone()
	out.Status = StatusAvailable
	out.FinalPrice = nil
	return out
}

// CloneItems deep-copies a slice, preserving nil.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// IndexOf returns the position of id in items or -1.
func IndexOf(items []Item, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// Timestamp formats t the way dateAdded is stored.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
