// Package billing synchronizes provider subscription lifecycle events into
// account records and starts new purchases through hosted checkout.
package billing

import (
	"fmt"
	"os"

	"subsync/internal/types"

	"gopkg.in/yaml.v3"
)

// Plan is a purchasable plan and the provider price that bills it.
type Plan struct {
	ID      types.PlanID `yaml:"id"`
	Name    string       `yaml:"name"`
	PriceID string       `yaml:"price_id"`
}

// PlanCatalog maps plans to provider prices and back.
type PlanCatalog interface {
	// Lookup returns the plan for id. The free plan is never purchasable
	// and is not in the catalog.
	Lookup(id types.PlanID) (Plan, bool)

	// PlanForPrice resolves a provider price id to a plan.
	PlanForPrice(priceID string) (types.PlanID, bool)

	// SeatPriceID is the provider price of one add-on seat.
	SeatPriceID() string
}

type catalogFile struct {
	SeatPriceID string `yaml:"seat_price_id"`
	Plans       []Plan `yaml:"plans"`
}

var defaultCatalog = catalogFile{
	SeatPriceID: "price_additional_seat",
	Plans: []Plan{
		{ID: "starter", Name: "Starter", PriceID: "price_starter"},
		{ID: "pro", Name: "Pro", PriceID: "price_pro"},
		{ID: "business", Name: "Business", PriceID: "price_business"},
	},
}

type staticPlanCatalog struct {
	plans       map[types.PlanID]Plan
	byPrice     map[string]types.PlanID
	seatPriceID string
}

// NewStaticPlanCatalog returns the built-in catalog.
func NewStaticPlanCatalog() PlanCatalog {
	c, err := newCatalog(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadPlanCatalog reads a YAML catalog from path, or returns the built-in
// catalog when path is empty.
//
//	seat_price_id: price_seat
//	plans:
//	  - id: pro
//	    name: Pro
//	    price_id: price_1Pro
func LoadPlanCatalog(path string) (PlanCatalog, error) {
	if path == "" {
		return NewStaticPlanCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan catalog %s: %w", path, err)
	}
	return ParsePlanCatalog(data)
}

// ParsePlanCatalog parses and validates a YAML catalog document.
func ParsePlanCatalog(data []byte) (PlanCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing plan catalog: %w", err)
	}
	return newCatalog(f)
}

func newCatalog(f catalogFile) (*staticPlanCatalog, error) {
	if f.SeatPriceID == "" {
		return nil, fmt.Errorf("plan catalog: seat_price_id is required")
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog: at least one plan is required")
	}

	c := &staticPlanCatalog{
		plans:       make(map[types.PlanID]Plan, len(f.Plans)),
		byPrice:     make(map[string]types.PlanID, len(f.Plans)),
		seatPriceID: f.SeatPriceID,
	}
	for _, p := range f.Plans {
		switch {
		case p.ID == "" || p.PriceID == "":
			return nil, fmt.Errorf("plan catalog: plan entries need id and price_id")
		case p.ID == types.PlanFree:
			return nil, fmt.Errorf("plan catalog: %q cannot be sold", types.PlanFree)
		case p.PriceID == f.SeatPriceID:
			return nil, fmt.Errorf("plan catalog: plan %q reuses the seat price", p.ID)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("plan catalog: duplicate plan %q", p.ID)
		}
		if _, dup := c.byPrice[p.PriceID]; dup {
			return nil, fmt.Errorf("plan catalog: duplicate price %q", p.PriceID)
		}
		c.plans[p.ID] = p
		c.byPrice[p.PriceID] = p.ID
	}
	return c, nil
}

func (c *staticPlanCatalog) Lookup(id types.PlanID) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

func (c *staticPlanCatalog) PlanForPrice(priceID string) (types.PlanID, bool) {
	id, ok := c.byPrice[priceID]
	return id, ok
}

func (c *staticPlanCatalog) SeatPriceID() string {
	return c.seatPriceID
}
