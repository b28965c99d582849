package sheetstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/partsync/internal/inventory"
)

const payloadSchemaURL = "partsync://payload.schema.json"

const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action", "id"],
  "properties": {
    "action": {"enum": ["ADD", "SELL", "DELETE", "RETURN"]},
    "sheet": {"type": "string"},
    "id": {"type": "string", "minLength": 1},
    "parte": {"type": "string"},
    "categoria": {"type": "string"},
    "marca": {"type": "string"},
    "modelo": {"type": "string"},
    "anio": {"type": ["integer", "string"]},
    "trim": {"type": "string"},
    "condicion": {"type": "string"},
    "precio": {"type": ["number", "string"]},
    "minPrice": {"type": ["number", "string"]},
    "finalPrice": {"type": ["number", "string", "null"]},
    "status": {"type": "string"},
    "vin": {"type": "string"},
    "fecha": {"type": "string"},
    "timestamp": {"type": "string"}
  }
}`

// PayloadValidator checks write bodies against the canonical payload schema
// before they reach the Store.
type PayloadValidator struct {
	schema *jsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("parse payload schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(payloadSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	sch, err := c.Compile(payloadSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &PayloadValidator{schema: sch}, nil
}

// Decode validates body and converts it into a Payload. Numeric fields sent
// as text go through the same price parser the reader uses.
func (v *PayloadValidator) Decode(body []byte) (inventory.Payload, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return inventory.Payload{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return inventory.Payload{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return inventory.Payload{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	action, err := inventory.ParseAction(str(raw["action"]))
	if err != nil {
		return inventory.Payload{}, err
	}
	p := inventory.Payload{
		Action:    action,
		Sheet:     str(raw["sheet"]),
		ID:        strings.TrimSpace(str(raw["id"])),
		Parte:     str(raw["parte"]),
		Categoria: str(raw["categoria"]),
		Marca:     str(raw["marca"]),
		Modelo:    str(raw["modelo"]),
		Anio:      int(inventory.ParsePrice(raw["anio"])),
		Trim:      str(raw["trim"]),
		Condicion: str(raw["condicion"]),
		Precio:    inventory.ParsePrice(raw["precio"]),
		MinPrice:  inventory.ParsePrice(raw["minPrice"]),
		Status:    inventory.Status(str(raw["status"])),
		Vin:       str(raw["vin"]),
		Fecha:     str(raw["fecha"]),
		Timestamp: str(raw["timestamp"]),
	}
	if fp, ok := raw["finalPrice"]; ok && fp != nil {
		price := inventory.ParsePrice(fp)
		p.FinalPrice = &price
	}
	return p, nil
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
