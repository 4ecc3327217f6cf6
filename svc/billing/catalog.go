package billing

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Plan string

const (
	PlanBase       Plan = "BASE"
	PlanPro        Plan = "PRO"
	PlanEnterprise Plan = "ENTERPRISE"
)

type Duration string

const (
	DurationMonthly   Duration = "MONTHLY"
	DurationQuarterly Duration = "QUARTERLY"
	DurationHalfYear  Duration = "HALFYEAR"
	DurationYearly    Duration = "YEARLY"
)

// PlanDetails is everything derived from a (plan, duration) pair.
type PlanDetails struct {
	Plan      Plan
	Duration  Duration
	PriceID   string
	Price     decimal.Decimal
	Currency  string
	TrialDays int
	Months    int
	Features  Features
}

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Currency string `yaml:"currency"`
	Plans    map[Plan]struct {
		BasePrice string `yaml:"base_price"`
		TrialDays int    `yaml:"trial_days"`
		Workers   int    `yaml:"workers"`
		Projects  int    `yaml:"projects"`
		Tasks     int    `yaml:"tasks"`
	} `yaml:"plans"`
	Durations map[Duration]struct {
		Months   int    `yaml:"months"`
		Discount string `yaml:"discount"`
	} `yaml:"durations"`
	Prices map[Plan]map[Duration]string `yaml:"prices"`
}

type planKey struct {
	plan     Plan
	duration Duration
}

// Catalog resolves prices, trials and feature ceilings. It is immutable
// after construction and safe for concurrent use.
type Catalog struct {
	details map[planKey]PlanDetails
	byPrice map[string]planKey
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("billing: embedded catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file. An empty path yields the default one.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("billing: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("billing: parse catalog: %w", err)
	}
	if len(f.Plans) == 0 || len(f.Durations) == 0 {
		return nil, errors.New("billing: catalog has no plans or durations")
	}

	c := &Catalog{
		details: make(map[planKey]PlanDetails),
		byPrice: make(map[string]planKey),
	}
	one := decimal.NewFromInt(1)

	for plan, p := range f.Plans {
		base, err := decimal.NewFromString(p.BasePrice)
		if err != nil {
			return nil, fmt.Errorf("billing: plan %s base price: %w", plan, err)
		}
		for duration, d := range f.Durations {
			discount, err := decimal.NewFromString(d.Discount)
			if err != nil {
				return nil, fmt.Errorf("billing: duration %s discount: %w", duration, err)
			}
			if d.Months <= 0 {
				return nil, fmt.Errorf("billing: duration %s must span at least one month", duration)
			}
			priceID := f.Prices[plan][duration]
			if priceID == "" {
				return nil, fmt.Errorf("billing: no price id for %s/%s", plan, duration)
			}
			if prev, dup := c.byPrice[priceID]; dup {
				return nil, fmt.Errorf("billing: price id %s used by %s/%s and %s/%s", priceID, prev.plan, prev.duration, plan, duration)
			}

			key := planKey{plan, duration}
			months := decimal.NewFromInt(int64(d.Months))
			c.details[key] = PlanDetails{
				Plan:      plan,
				Duration:  duration,
				PriceID:   priceID,
				Price:     base.Mul(months).Mul(one.Sub(discount)).Round(2),
				Currency:  f.Currency,
				TrialDays: p.TrialDays,
				Months:    d.Months,
				Features: Features{
					MaxWorkers:  p.Workers * d.Months,
					MaxProjects: p.Projects * d.Months,
					MaxTasks:    p.Tasks * d.Months,
				},
			}
			c.byPrice[priceID] = key
		}
	}
	return c, nil
}

// Details resolves a plan and duration, failing with ErrInvalidPlan for
// combinations the catalog does not sell.
func (c *Catalog) Details(plan Plan, duration Duration) (PlanDetails, error) {
	d, ok := c.details[planKey{plan, duration}]
	if !ok {
		return PlanDetails{}, fmt.Errorf("%w: %s/%s", ErrInvalidPlan, plan, duration)
	}
	return d, nil
}

// ByPriceID maps a provider price back to the plan and duration it sells.
func (c *Catalog) ByPriceID(priceID string) (PlanDetails, error) {
	key, ok := c.byPrice[priceID]
	if !ok {
		return PlanDetails{}, fmt.Errorf("%w: %q", ErrUnknownPrice, priceID)
	}
	return c.details[key], nil
}
