package inventory

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Accepted source keys per canonical field, already folded (see FoldKey).
// English and Spanish sheets both feed the same record.
var (
	idKeys         = []string{"ID"}
	nameKeys       = []string{"PARTE", "PART", "NAME", "NOMBRE", "DESCRIPCION"}
	categoryKeys   = []string{"CATEGORIA", "CATEGORY"}
	statusKeys     = []string{"STATUS", "ESTADO"}
	conditionKeys  = []string{"CONDICION", "CONDITION", "ESTADOPIEZA"}
	priceKeys      = []string{"PRECIO", "PRICE", "SUGGESTEDPRICE", "PRECIOSUGERIDO"}
	minPriceKeys   = []string{"MINPRICE", "PRECIOMINIMO"}
	finalPriceKeys = []string{"FINALPRICE", "PRECIOFINAL", "PRECIOVENTA"}
	dateKeys       = []string{"FECHA", "DATE", "DATEADDED", "TIMESTAMP"}
	yearKeys       = []string{"ANIO", "ANO", "YEAR"}
	makeKeys       = []string{"MARCA", "MAKE"}
	modelKeys      = []string{"MODELO", "MODEL"}
	trimKeys       = []string{"TRIM", "VERSION"}
	vinKeys        = []string{"VIN"}
)

var soldStatuses = map[string]struct{}{
	"SOLD":    {},
	"VENDIDO": {},
	"VENDIDA": {},
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// Normalizer maps loosely-typed remote rows onto Item. It never rejects a
// row: malformed values fall back to safe defaults.
type Normalizer struct {
	Catalog *Catalog
	NewID   func() string
}

func NewNormalizer(catalog *Catalog) *Normalizer {
	if catalog == nil {
		catalog = AutoPartsCatalog()
	}
	return &Normalizer{Catalog: catalog, NewID: uuid.NewString}
}

// NormalizeRows normalizes every row; nil rows are skipped.
func (n *Normalizer) NormalizeRows(rows []map[string]any) []Item {
	out := make([]Item, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		out = append(out, n.NormalizeRow(row))
	}
	return out
}

func (n *Normalizer) NormalizeRow(row map[string]any) Item {
	fields := foldRow(row)
	item := Item{
		ID:             stringValue(pick(fields, idKeys)),
		Name:           stringValue(pick(fields, nameKeys)),
		Category:       n.Catalog.Resolve(stringValue(pick(fields, categoryKeys))),
		Status:         ParseStatus(stringValue(pick(fields, statusKeys))),
		Condition:      stringValue(pick(fields, conditionKeys)),
		SuggestedPrice: ParsePrice(pick(fields, priceKeys)),
		MinPrice:       ParsePrice(pick(fields, minPriceKeys)),
		DateAdded:      normalizeDate(stringValue(pick(fields, dateKeys))),
		VehicleInfo: VehicleInfo{
			Year:  parseYear(pick(fields, yearKeys)),
			Make:  stringValue(pick(fields, makeKeys)),
			Model: stringValue(pick(fields, modelKeys)),
			Trim:  stringValue(pick(fields, trimKeys)),
			VIN:   strings.ToUpper(stringValue(pick(fields, vinKeys))),
		},
	}
	if raw := pick(fields, finalPriceKeys); stringValue(raw) != "" {
		price := ParsePrice(raw)
		item.FinalPrice = &price
	}
	if item.ID == "" {
		item.ID = n.newID()
	}
	return item
}

func (n *Normalizer) newID() string {
	if n.NewID != nil {
		if id := n.NewID(); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

// ParseStatus matches the known sold synonyms case- and accent-insensitively.
func ParseStatus(raw string) Status {
	if _, ok := soldStatuses[FoldKey(raw)]; ok {
		return StatusSold
	}
	return StatusAvailable
}

// ParsePrice accepts numbers or text like "$1,250.00" and returns a
// non-negative value, 0 when unparsable.
func ParsePrice(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return nonNegative(t)
	case float32:
		return nonNegative(float64(t))
	case int:
		return nonNegative(float64(t))
	case int64:
		return nonNegative(float64(t))
	case json.Number:
		return parsePriceText(t.String())
	case decimal.Decimal:
		return nonNegative(t.InexactFloat64())
	case string:
		return parsePriceText(t)
	default:
		return 0
	}
}

func parsePriceText(raw string) float64 {
	cleaned := cleanNumber(raw)
	if cleaned == "" {
		return 0
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil || d.IsNegative() {
		return 0
	}
	return d.InexactFloat64()
}

// cleanNumber drops currency symbols, spaces and thousands separators. When
// both separators appear the last one is the decimal mark ("1.250,50").
func cleanNumber(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsDigit(r) || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	if lastDot >= 0 && lastComma > lastDot {
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1)
	}
	return strings.ReplaceAll(s, ",", "")
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func parseYear(v any) int {
	switch t := v.(type) {
	case float64:
		if t > 0 && t < 10000 {
			return int(t)
		}
		return 0
	case int:
		if t > 0 {
			return t
		}
		return 0
	}
	cleaned := cleanNumber(stringValue(v))
	if cleaned == "" {
		return 0
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil || !d.IsPositive() {
		return 0
	}
	return int(d.IntPart())
}

func normalizeDate(raw string) string {
	if raw == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return Timestamp(ts)
		}
	}
	return raw
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldText strips diacritics and upper-cases s ("Ñandú" -> "NANDU").
func FoldText(s string) string {
	folded, _, err := transform.String(foldTransformer, strings.TrimSpace(s))
	if err != nil {
		folded = strings.TrimSpace(s)
	}
	return strings.ToUpper(folded)
}

// FoldKey is FoldText with spaces, dashes and underscores removed; it is the
// comparison form for field names and category codes.
func FoldKey(s string) string {
	folded := FoldText(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-', '\t':
			return -1
		}
		return r
	}, folded)
}

func foldRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for key, value := range row {
		folded := FoldKey(key)
		if existing, ok := out[folded]; ok && stringValue(existing) != "" {
			continue
		}
		out[folded] = value
	}
	return out
}

func pick(fields map[string]any, keys []string) any {
	for _, key := range keys {
		if v, ok := fields[key]; ok && stringValue(v) != "" {
			return v
		}
	}
	return nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
}
