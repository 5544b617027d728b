// Package pricing applies the payer-tier financial rules to a normalized
// claim: markup, per-item caps, bundle resolution and patient share. The
// engine is deterministic; its only I/O is the tier lookup.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sehha/claimsbridge/internal/cache"
	"github.com/sehha/claimsbridge/internal/catalogue"
	"github.com/sehha/claimsbridge/internal/claims"
	"github.com/sehha/claimsbridge/internal/envelope"
)

// TierStore is the catalogue surface the engine needs.
type TierStore interface {
	GetTier(ctx context.Context, facilityID int, payerID string) (*catalogue.PricingTier, error)
}

// PricedLine is one line item after rule application. Monetary amounts are
// fixed-point with 2 fractional digits, rounded half-even.
type PricedLine struct {
	Sequence      int             `json:"sequence"`
	SBSCode       string          `json:"sbs_code"`
	Quantity      int             `json:"quantity"`
	Billed        decimal.Decimal `json:"billed"`
	Allowed       decimal.Decimal `json:"allowed"`
	MarkupApplied bool            `json:"markup_applied"`
	BundleID      string          `json:"bundle_id,omitempty"`
}

// Totals summarizes the claim in SAR.
type Totals struct {
	Gross        decimal.Decimal `json:"gross"`
	Net          decimal.Decimal `json:"net"`
	PatientShare decimal.Decimal `json:"patient_share"`
}

// Violation is a soft rule breach that does not fail pricing.
type Violation struct {
	Sequence int    `json:"sequence"`
	Rule     string `json:"rule"`
	Detail   string `json:"detail"`
}

// Result is the engine output.
type Result struct {
	Lines          []PricedLine `json:"priced_line_items"`
	Totals         Totals       `json:"totals"`
	AppliedBundles []string     `json:"applied_bundles"`
	Violations     []Violation  `json:"violations"`
}

// Engine resolves tiers (through the cache) and prices claims.
type Engine struct {
	store   TierStore
	cache   *cache.Cache
	tierTTL time.Duration
}

// New assembles the engine. cache may be nil when tests go straight to the
// store.
func New(store TierStore, c *cache.Cache, tierTTL time.Duration) *Engine {
	if tierTTL <= 0 {
		tierTTL = time.Hour
	}
	return &Engine{store: store, cache: c, tierTTL: tierTTL}
}

// softQuantityMax flags (without failing) quantities beyond what payer rules
// normally accept on one line.
const softQuantityMax = 50

// Price applies the tier rules to a normalized claim. Every line item must
// already carry its SBS code.
func (e *Engine) Price(ctx context.Context, claim *claims.Claim) (*Result, error) {
	for _, li := range claim.LineItems {
		if li.SBSCode == "" {
			return nil, envelope.New(envelope.KindInvalidInput, "PRICING_UNNORMALIZED_LINE",
				fmt.Sprintf("line %d has no SBS code", li.Sequence))
		}
		if li.UnitPrice < 0 {
			return nil, envelope.New(envelope.KindInvalidInput, "PRICING_NEGATIVE_PRICE",
				fmt.Sprintf("line %d has negative unit price", li.Sequence))
		}
		if li.Quantity < 1 {
			return nil, envelope.New(envelope.KindInvalidInput, "PRICING_BAD_QUANTITY",
				fmt.Sprintf("line %d has quantity below 1", li.Sequence))
		}
	}

	tier, err := e.resolveTier(ctx, claim.FacilityID, claim.Payer.PayerID)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, envelope.New(envelope.KindNotFound, "PRICING_TIER_NOT_FOUND",
			fmt.Sprintf("no pricing tier for facility %d payer %s", claim.FacilityID, claim.Payer.PayerID)).
			WithDetail("detail", "tier")
	}

	res := &Result{}
	markup := decimal.NewFromFloat(tier.MarkupPct)
	one := decimal.NewFromInt(1)

	// Resolve bundles against the claim's SBS code set.
	assignment, applied := resolveBundles(tier.Bundles, claim.LineItems)
	res.AppliedBundles = applied

	// Apportion each bundle's flat price across its member lines so the sum
	// of allowed amounts equals the flat price exactly.
	bundleAllowed := apportionBundles(tier.Bundles, assignment, claim.LineItems)

	gross := decimal.Zero
	net := decimal.Zero
	for _, li := range claim.LineItems {
		billed := decimal.NewFromFloat(li.UnitPrice).
			Mul(decimal.NewFromInt(int64(li.Quantity))).
			RoundBank(2)
		gross = gross.Add(billed)

		line := PricedLine{
			Sequence: li.Sequence,
			SBSCode:  li.SBSCode,
			Quantity: li.Quantity,
			Billed:   billed,
		}

		if bundleID, ok := assignment[li.SBSCode]; ok {
			line.BundleID = bundleID
			line.Allowed = bundleAllowed[li.Sequence]
		} else {
			allowed := decimal.NewFromFloat(li.UnitPrice).
				Mul(decimal.NewFromInt(int64(li.Quantity))).
				Mul(one.Add(markup))
			line.MarkupApplied = !markup.IsZero()
			if tier.Cap != nil {
				cap := decimal.NewFromFloat(*tier.Cap)
				if allowed.GreaterThan(cap) {
					allowed = cap
					res.Violations = append(res.Violations, Violation{
						Sequence: li.Sequence,
						Rule:     "cap_applied",
						Detail:   "allowed amount capped by tier",
					})
				}
			}
			line.Allowed = allowed.RoundBank(2)
		}

		if li.UnitPrice == 0 {
			res.Violations = append(res.Violations, Violation{
				Sequence: li.Sequence, Rule: "zero_price", Detail: "line billed at zero",
			})
		}
		if li.Quantity > softQuantityMax {
			res.Violations = append(res.Violations, Violation{
				Sequence: li.Sequence, Rule: "quantity_high", Detail: "quantity exceeds usual payer maximum",
			})
		}

		net = net.Add(line.Allowed)
		res.Lines = append(res.Lines, line)
	}

	res.Totals = Totals{
		Gross:        gross.RoundBank(2),
		Net:          net.RoundBank(2),
		PatientShare: net.Mul(decimal.NewFromFloat(tier.PatientSharePct)).RoundBank(2),
	}
	return res, nil
}

func (e *Engine) resolveTier(ctx context.Context, facilityID int, payerID string) (*catalogue.PricingTier, error) {
	key := cache.Key(cache.NamespaceTier, strconv.Itoa(facilityID), payerID)
	if e.cache != nil {
		if raw := e.cache.Get(ctx, key, e.tierTTL); raw != nil {
			var tier catalogue.PricingTier
			if err := json.Unmarshal(raw, &tier); err == nil {
				return &tier, nil
			}
			e.cache.Invalidate(ctx, key)
		}
	}

	tier, err := e.store.GetTier(ctx, facilityID, payerID)
	if err != nil || tier == nil {
		return tier, err
	}
	if e.cache != nil {
		if raw, err := json.Marshal(tier); err == nil {
			e.cache.Set(ctx, key, raw, e.tierTTL)
		}
	}
	return tier, nil
}

// resolveBundles picks the bundles to apply. Candidates are bundles whose
// member set is fully present in the claim; overlaps resolve by member count
// descending, then flat price ascending, then bundle ID. Each SBS code lands
// in at most one bundle.
func resolveBundles(bundles []catalogue.Bundle, lines []claims.LineItem) (map[string]string, []string) {
	present := make(map[string]bool, len(lines))
	for _, li := range lines {
		present[li.SBSCode] = true
	}

	var candidates []catalogue.Bundle
	for _, b := range bundles {
		if len(b.Members) == 0 {
			continue
		}
		all := true
		for _, m := range b.Members {
			if !present[m] {
				all = false
				break
			}
		}
		if all {
			candidates = append(candidates, b)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].Members) != len(candidates[j].Members) {
			return len(candidates[i].Members) > len(candidates[j].Members)
		}
		if candidates[i].FlatPrice != candidates[j].FlatPrice {
			return candidates[i].FlatPrice < candidates[j].FlatPrice
		}
		return candidates[i].BundleID < candidates[j].BundleID
	})

	assignment := make(map[string]string)
	var applied []string
	for _, b := range candidates {
		conflict := false
		for _, m := range b.Members {
			if _, taken := assignment[m]; taken {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for _, m := range b.Members {
			assignment[m] = b.BundleID
		}
		applied = append(applied, b.BundleID)
	}
	return assignment, applied
}

// apportionBundles splits each applied bundle's flat price across its member
// lines proportionally to billed amounts, assigning any rounding remainder to
// the last member so the parts sum exactly to the flat price.
func apportionBundles(bundles []catalogue.Bundle, assignment map[string]string, lines []claims.LineItem) map[int]decimal.Decimal {
	out := make(map[int]decimal.Decimal)
	flatByID := make(map[string]decimal.Decimal)
	for _, b := range bundles {
		flatByID[b.BundleID] = decimal.NewFromFloat(b.FlatPrice)
	}

	type member struct {
		seq    int
		billed decimal.Decimal
	}
	membersByBundle := make(map[string][]member)
	billedTotal := make(map[string]decimal.Decimal)
	for _, li := range lines {
		id, ok := assignment[li.SBSCode]
		if !ok {
			continue
		}
		billed := decimal.NewFromFloat(li.UnitPrice).Mul(decimal.NewFromInt(int64(li.Quantity)))
		membersByBundle[id] = append(membersByBundle[id], member{seq: li.Sequence, billed: billed})
		if t, ok := billedTotal[id]; ok {
			billedTotal[id] = t.Add(billed)
		} else {
			billedTotal[id] = billed
		}
	}

	for id, members := range membersByBundle {
		flat := flatByID[id]
		total := billedTotal[id]
		assigned := decimal.Zero
		for i, m := range members {
			if i == len(members)-1 {
				out[m.seq] = flat.Sub(assigned).RoundBank(2)
				break
			}
			var share decimal.Decimal
			if total.IsZero() {
				share = flat.Div(decimal.NewFromInt(int64(len(members)))).RoundBank(2)
			} else {
				share = flat.Mul(m.billed).Div(total).RoundBank(2)
			}
			out[m.seq] = share
			assigned = assigned.Add(share)
		}
	}
	return out
}
