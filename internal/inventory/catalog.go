package inventory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultFallbackCategory = "OTHER"

type CategoryDef struct {
	Code    string   `yaml:"code"`
	Aliases []string `yaml:"aliases"`
}

// Catalog is the closed set of categories a tenant accepts.
type Catalog struct {
	Name       string        `yaml:"name"`
	Fallback   string        `yaml:"fallback"`
	Categories []CategoryDef `yaml:"categories"`

	lookup map[string]string
}

// NewCatalog validates defs and builds the folded alias index.
func NewCatalog(name, fallback string, defs []CategoryDef) (*Catalog, error) {
	c := &Catalog{Name: strings.TrimSpace(name), Fallback: fallback, Categories: defs}
	if err := c.build(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) build() error {
	c.Fallback = FoldKey(c.Fallback)
	if c.Fallback == "" {
		c.Fallback = DefaultFallbackCategory
	}
	c.lookup = map[string]string{}
	for i, def := range c.Categories {
		code := FoldKey(def.Code)
		if code == "" {
			return fmt.Errorf("%w: category %d has no code", ErrInvalidInput, i)
		}
		c.Categories[i].Code = code
		c.lookup[code] = code
		for _, alias := range def.Aliases {
			if folded := FoldKey(alias); folded != "" {
				c.lookup[folded] = code
			}
		}
	}
	c.lookup[c.Fallback] = c.Fallback
	return nil
}

// Resolve folds raw and maps it to a known code, or the fallback.
func (c *Catalog) Resolve(raw string) string {
	if c == nil {
		return DefaultFallbackCategory
	}
	if code, ok := c.lookup[FoldKey(raw)]; ok {
		return code
	}
	return c.Fallback
}

// Codes lists canonical codes in declaration order, fallback last.
func (c *Catalog) Codes() []string {
	out := make([]string, 0, len(c.Categories)+1)
	seenFallback := false
	for _, def := range c.Categories {
		out = append(out, def.Code)
		if def.Code == c.Fallback {
			seenFallback = true
		}
	}
	if !seenFallback {
		out = append(out, c.Fallback)
	}
	return out
}

// LoadCatalogFile reads a YAML catalog definition.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Categories) == 0 {
		return nil, fmt.Errorf("%w: catalog has no categories", ErrInvalidInput)
	}
	if err := c.build(); err != nil {
		return nil, err
	}
	return &c, nil
}

// BuiltinCatalog returns one of the bundled catalogs by name.
func BuiltinCatalog(name string) (*Catalog, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "autoparts", "auto-parts":
		return AutoPartsCatalog(), nil
	case "realestate", "real-estate":
		return RealEstateCatalog(), nil
	default:
		return nil, fmt.Errorf("%w: unknown catalog %q", ErrInvalidInput, name)
	}
}

func AutoPartsCatalog() *Catalog {
	c, _ := NewCatalog("autoparts", DefaultFallbackCategory, []CategoryDef{
		{Code: "ENGINE", Aliases: []string{"MOTOR"}},
		{Code: "TRANSMISSION", Aliases: []string{"TRANSMISION", "CAJA"}},
		{Code: "SUSPENSION", Aliases: []string{"SUSPENSIÓN"}},
		{Code: "BRAKES", Aliases: []string{"FRENOS", "BRAKE"}},
		{Code: "ELECTRICAL", Aliases: []string{"ELECTRICO", "ELÉCTRICO", "ELECTRICA"}},
		{Code: "BODY", Aliases: []string{"CARROCERIA", "CARROCERÍA"}},
		{Code: "INTERIOR", Aliases: []string{"INTERIORES"}},
		{Code: "WHEELS", Aliases: []string{"RUEDAS", "LLANTAS", "RINES"}},
		{Code: "LIGHTING", Aliases: []string{"ILUMINACION", "ILUMINACIÓN", "LUCES"}},
		{Code: "COOLING", Aliases: []string{"ENFRIAMIENTO", "REFRIGERACION", "REFRIGERACIÓN"}},
		{Code: "EXHAUST", Aliases: []string{"ESCAPE"}},
		{Code: DefaultFallbackCategory, Aliases: []string{"OTRO", "OTROS", "OTRA"}},
	})
	return c
}

func RealEstateCatalog() *Catalog {
	c, _ := NewCatalog("realestate", DefaultFallbackCategory, []CategoryDef{
		{Code: "HOUSE", Aliases: []string{"CASA"}},
		{Code: "APARTMENT", Aliases: []string{"DEPARTAMENTO", "APARTAMENTO", "DEPTO"}},
		{Code: "LAND", Aliases: []string{"TERRENO", "LOTE"}},
		{Code: "COMMERCIAL", Aliases: []string{"COMERCIAL", "LOCAL", "OFICINA"}},
		{Code: DefaultFallbackCategory, Aliases: []string{"OTRO", "OTROS"}},
	})
	return c
}
