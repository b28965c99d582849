package inventory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusSoldSynonyms(t *testing.T) {
	for _, raw := range []string{"SOLD", "sold", "Vendido", "VENDIDA", " vendida "} {
		assert.Equal(t, StatusSold, ParseStatus(raw), raw)
	}
	for _, raw := range []string{"", "AVAILABLE", "disponible", "reservado", "SOLDOUT"} {
		assert.Equal(t, StatusAvailable, ParseStatus(raw), raw)
	}
}

func TestParsePriceHeterogeneousInput(t *testing.T) {
	cases := []struct {
		in   any
		want float64
	}{
		{"$1,250.00", 1250},
		{"1250", 1250},
		{" $ 99.5 ", 99.5},
		{"MXN 3,400", 3400},
		{"1.250,50", 1250.5},
		{float64(450), 450},
		{12, 12},
		{json.Number("75.25"), 75.25},
		{"", 0},
		{"gratis", 0},
		{"-30", 0},
		{float64(-1), 0},
		{nil, 0},
		{true, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParsePrice(tc.in), "input %#v", tc.in)
	}
}

func TestFoldText(t *testing.T) {
	assert.Equal(t, "NANDU", FoldText("Ñandú"))
	assert.Equal(t, "CARROCERIA", FoldText("carrocería"))
	assert.Equal(t, "MINPRICE", FoldKey("min_price"))
	assert.Equal(t, "ANO", FoldKey("Año"))
}

func TestNormalizeRowSpanishHeaders(t *testing.T) {
	n := NewNormalizer(AutoPartsCatalog())
	item := n.NormalizeRow(map[string]any{
		"ID":           "P-1",
		"Parte":        "Alternador",
		"Categoría":    "eléctrico",
		"Estado":       "VENDIDA",
		"Condición":    "Usado",
		"Precio":       "$1,250.00",
		"precioMinimo": "900",
		"precioFinal":  "1100",
		"Fecha":        "2024-03-05",
		"Año":          "2015",
		"Marca":        "Nissan",
		"Modelo":       "Versa",
		"Version":      "Advance",
		"vin":          "3n1cn7ad5fl123456",
	})
	assert.Equal(t, "P-1", item.ID)
	assert.Equal(t, "Alternador", item.Name)
	assert.Equal(t, "ELECTRICAL", item.Category)
	assert.Equal(t, StatusSold, item.Status)
	assert.Equal(t, "Usado", item.Condition)
	assert.Equal(t, 1250.0, item.SuggestedPrice)
	assert.Equal(t, 900.0, item.MinPrice)
	require.NotNil(t, item.FinalPrice)
	assert.Equal(t, 1100.0, *item.FinalPrice)
	assert.Equal(t, "2024-03-05T00:00:00Z", item.DateAdded)
	assert.Equal(t, VehicleInfo{Year: 2015, Make: "Nissan", Model: "Versa", Trim: "Advance", VIN: "3N1CN7AD5FL123456"}, item.VehicleInfo)
}

func TestNormalizeRowEnglishHeaders(t *testing.T) {
	n := NewNormalizer(AutoPartsCatalog())
	item := n.NormalizeRow(map[string]any{
		"id":        "C3",
		"name":      "Brake caliper",
		"category":  "brakes",
		"status":    "AVAILABLE",
		"condition": "Good",
		"price":     float64(100),
		"min_price": "80",
		"year":      float64(2011),
		"make":      "Ford",
		"model":     "Focus",
	})
	assert.Equal(t, "C3", item.ID)
	assert.Equal(t, "BRAKES", item.Category)
	assert.Equal(t, StatusAvailable, item.Status)
	assert.Equal(t, 100.0, item.SuggestedPrice)
	assert.Equal(t, 80.0, item.MinPrice)
	assert.Nil(t, item.FinalPrice)
	assert.Equal(t, 2011, item.VehicleInfo.Year)
}

func TestNormalizeRowUnknownCategoryFallsBack(t *testing.T) {
	n := NewNormalizer(AutoPartsCatalog())
	assert.Equal(t, "OTHER", n.NormalizeRow(map[string]any{"id": "x", "categoria": "Ñandú"}).Category)
	assert.Equal(t, "OTHER", n.NormalizeRow(map[string]any{"id": "y"}).Category)
	assert.Equal(t, "OTHER", n.NormalizeRow(map[string]any{"id": "z", "categoria": "otros"}).Category)
}

func TestNormalizeRowsGeneratesDistinctIDs(t *testing.T) {
	n := NewNormalizer(nil)
	items := n.NormalizeRows([]map[string]any{
		{"parte": "Faro"},
		nil,
		{"parte": "Calavera", "id": ""},
	})
	require.Len(t, items, 2)
	assert.NotEmpty(t, items[0].ID)
	assert.NotEmpty(t, items[1].ID)
	assert.NotEqual(t, items[0].ID, items[1].ID)
}

func TestNormalizeRowMalformedValuesUseDefaults(t *testing.T) {
	n := NewNormalizer(nil)
	item := n.NormalizeRow(map[string]any{
		"id":     float64(42),
		"precio": "n/a",
		"anio":   "desconocido",
		"fecha":  "ayer",
	})
	assert.Equal(t, "42", item.ID)
	assert.Zero(t, item.SuggestedPrice)
	assert.Zero(t, item.VehicleInfo.Year)
	assert.Equal(t, "ayer", item.DateAdded)
	assert.Equal(t, StatusAvailable, item.Status)
}
