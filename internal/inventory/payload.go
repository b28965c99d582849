package inventory

import (
	"fmt"
	"strings"
	"time"
)

type Action string

const (
	ActionAdd    Action = "ADD"
	ActionSell   Action = "SELL"
	ActionDelete Action = "DELETE"
	ActionReturn Action = "RETURN"
)

func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(raw))); a {
	case ActionAdd, ActionSell, ActionDelete, ActionReturn:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
}

// Payload is the canonical write body sent to the sheet endpoint. Field names
// follow the sheet's Spanish column headers.
type Payload struct {
	Action     Action   `json:"action"`
	Sheet      string   `json:"sheet"`
	ID         string   `json:"id"`
	Parte      string   `json:"parte"`
	Categoria  string   `json:"categoria"`
	Marca      string   `json:"marca"`
	Modelo     string   `json:"modelo"`
	Anio       int      `json:"anio"`
	Trim       string   `json:"trim,omitempty"`
	Condicion  string   `json:"condicion"`
	Precio     float64  `json:"precio"`
	MinPrice   float64  `json:"minPrice"`
	FinalPrice *float64 `json:"finalPrice"`
	Status     Status   `json:"status"`
	Vin        string   `json:"vin"`
	Fecha      string   `json:"fecha"`
	Timestamp  string   `json:"timestamp"`
}

// BuildPayload renders item as a write for sheet, stamped with now.
func BuildPayload(action Action, sheet string, item Item, now time.Time) Payload {
	p := Payload{
		Action:     action,
		Sheet:      sheet,
		ID:         item.ID,
		Parte:      item.Name,
		Categoria:  item.Category,
		Marca:      item.VehicleInfo.Make,
		Modelo:     item.VehicleInfo.Model,
		Anio:       item.VehicleInfo.Year,
		Trim:       item.VehicleInfo.Trim,
		Condicion:  item.Condition,
		Precio:     item.SuggestedPrice,
		MinPrice:   item.MinPrice,
		Status:     item.Status,
		Vin:        item.VehicleInfo.VIN,
		Fecha:      item.DateAdded,
		Timestamp:  Timestamp(now),
	}
	if item.FinalPrice != nil {
		v := *item.FinalPrice
		p.FinalPrice = &v
	}
	if p.Status == "" {
		p.Status = StatusAvailable
	}
	return p
}

// Row renders the payload as a sheet row keyed by column header.
func (p Payload) Row() map[string]any {
	row := map[string]any{
		"id":        p.ID,
		"parte":     p.Parte,
		"categoria": p.Categoria,
		"marca":     p.Marca,
		"modelo":    p.Modelo,
		"anio":      p.Anio,
		"trim":      p.Trim,
		"condicion": p.Condicion,
		"precio":    p.Precio,
		"minPrice":  p.MinPrice,
		"status":    string(p.Status),
		"vin":       p.Vin,
		"fecha":     p.Fecha,
		"timestamp": p.Timestamp,
	}
	if p.FinalPrice != nil {
		row["finalPrice"] = *p.FinalPrice
	}
	return row
}
