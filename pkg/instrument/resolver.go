// Package instrument maps trade intents to concrete broker instruments
// using a snapshot of the broker symbol master.
package instrument

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/shopspring/decimal"
)

type ResolutionKind string

const (
	KindAmbiguous ResolutionKind = "AMBIGUOUS"
	KindNotFound  ResolutionKind = "NOT_FOUND"
)

type ResolutionError struct {
	Kind       ResolutionKind
	Underlying string
	Detail     string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Underlying, e.Detail)
}

// KindOf returns the ResolutionError kind carried by err, if any.
func KindOf(err error) (ResolutionKind, bool) {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

type Class string

const (
	ClassOption Class = "OPTION"
	ClassFuture Class = "FUTURE"
	ClassEquity Class = "EQUITY"
)

// Policy controls how loosely an intent may match catalog rows.
type Policy struct {
	// NearestExpiry picks the nearest expiry on or after today when the
	// intent names none. When false a missing expiry must be unambiguous.
	NearestExpiry bool
	// StrikeTolerance is the largest distance to a listed strike accepted
	// when the requested strike is not listed. Zero means exact only.
	StrikeTolerance decimal.Decimal
}

func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassOption: {NearestExpiry: true},
		ClassFuture: {NearestExpiry: true},
		ClassEquity: {},
	}
}

// DefaultAliases are alert shorthands for BSE index underlyings.
func DefaultAliases() map[string]string {
	return map[string]string{"BSX": "SENSEX", "BKX": "BANKEX"}
}

type Resolver struct {
	policies map[Class]Policy
	aliases  map[string]string
	location *time.Location
	now      func() time.Time
}

type Option func(*Resolver)

func WithPolicy(class Class, p Policy) Option {
	return func(r *Resolver) { r.policies[class] = p }
}

func WithAliases(aliases map[string]string) Option {
	return func(r *Resolver) {
		for k, v := range aliases {
			r.aliases[strings.ToUpper(k)] = strings.ToUpper(v)
		}
	}
}

// WithClock overrides the clock used to decide which expiries are live.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(loc *time.Location, opts ...Option) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	r := &Resolver{
		policies: DefaultPolicies(),
		aliases:  map[string]string{},
		location: loc,
		now:      time.Now,
	}
	WithAliases(DefaultAliases())(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func ClassOf(intent models.TradeIntent) Class {
	switch {
	case intent.OptionType == nil:
		return ClassEquity
	case *intent.OptionType == models.OptionFuture:
		return ClassFuture
	}
	return ClassOption
}

// Resolve finds the single catalog row matching intent. It never guesses:
// zero candidates is NOT_FOUND and more than one is AMBIGUOUS.
func (r *Resolver) Resolve(intent models.TradeIntent, cat *Catalog) (models.ResolvedInstrument, error) {
	underlying := strings.ToUpper(intent.Underlying)
	if alias, ok := r.aliases[underlying]; ok {
		underlying = alias
	}
	fail := func(kind ResolutionKind, format string, args ...any) (models.ResolvedInstrument, error) {
		return models.ResolvedInstrument{}, &ResolutionError{Kind: kind, Underlying: underlying, Detail: fmt.Sprintf(format, args...)}
	}
	if cat == nil {
		return fail(KindNotFound, "no instrument catalog loaded")
	}

	class := ClassOf(intent)
	policy := r.policies[class]

	var candidates []Entry
	for _, e := range cat.Lookup(intent.Exchange, underlying) {
		if matchesClass(e, intent, class) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return fail(KindNotFound, "no %s instrument on %s", strings.ToLower(string(class)), intent.Exchange)
	}

	if class != ClassEquity {
		var err error
		candidates, err = r.filterExpiry(candidates, intent.Expiry, policy)
		if err != nil {
			return fail(KindNotFound, "%v", err)
		}
	}
	if class == ClassOption {
		var ambiguous bool
		candidates, ambiguous = filterStrike(candidates, *intent.Strike, policy.StrikeTolerance)
		if ambiguous {
			return fail(KindAmbiguous, "strike %s is equidistant from two listed strikes", intent.Strike)
		}
	}

	switch len(candidates) {
	case 0:
		return fail(KindNotFound, "no row matches the requested contract")
	case 1:
		return candidates[0].resolved(), nil
	}
	symbols := make([]string, 0, len(candidates))
	for _, c := range candidates {
		symbols = append(symbols, c.Symbol)
	}
	return fail(KindAmbiguous, "%d rows match: %s", len(candidates), strings.Join(symbols, ", "))
}

func matchesClass(e Entry, intent models.TradeIntent, class Class) bool {
	switch class {
	case ClassEquity:
		return e.isCash()
	case ClassFuture:
		return e.OptionType != nil && *e.OptionType == models.OptionFuture
	}
	return e.OptionType != nil && *e.OptionType == *intent.OptionType
}

func (r *Resolver) filterExpiry(candidates []Entry, expiry *time.Time, policy Policy) ([]Entry, error) {
	if expiry != nil {
		want := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
		var out []Entry
		for _, c := range candidates {
			if c.Expiry != nil && c.Expiry.Equal(want) {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("no contract expiring %s", want.Format("2006-01-02"))
		}
		return out, nil
	}
	if !policy.NearestExpiry {
		return candidates, nil
	}

	today := DateOf(r.now(), r.location)
	var nearest *time.Time
	for _, c := range candidates {
		if c.Expiry == nil || c.Expiry.Before(today) {
			continue
		}
		if nearest == nil || c.Expiry.Before(*nearest) {
			nearest = c.Expiry
		}
	}
	if nearest == nil {
		return nil, fmt.Errorf("no contract expiring on or after %s", today.Format("2006-01-02"))
	}
	var out []Entry
	for _, c := range candidates {
		if c.Expiry != nil && c.Expiry.Equal(*nearest) {
			out = append(out, c)
		}
	}
	return out, nil
}

// filterStrike keeps rows at the requested strike, or at the nearest listed
// strike within tolerance. It reports ambiguity when two listed strikes are
// equally near.
func filterStrike(candidates []Entry, strike decimal.Decimal, tolerance decimal.Decimal) ([]Entry, bool) {
	var exact []Entry
	for _, c := range candidates {
		if c.Strike != nil && c.Strike.Equal(strike) {
			exact = append(exact, c)
		}
	}
	if len(exact) > 0 || !tolerance.IsPositive() {
		return exact, false
	}

	type near struct {
		strike   decimal.Decimal
		distance decimal.Decimal
	}
	var strikes []near
	seen := map[string]bool{}
	for _, c := range candidates {
		if c.Strike == nil || seen[c.Strike.String()] {
			continue
		}
		d := c.Strike.Sub(strike).Abs()
		if d.GreaterThan(tolerance) {
			continue
		}
		seen[c.Strike.String()] = true
		strikes = append(strikes, near{*c.Strike, d})
	}
	if len(strikes) == 0 {
		return nil, false
	}
	sort.Slice(strikes, func(i, j int) bool {
		return strikes[i].distance.LessThan(strikes[j].distance)
	})
	if len(strikes) > 1 && strikes[0].distance.Equal(strikes[1].distance) {
		return nil, true
	}

	var out []Entry
	for _, c := range candidates {
		if c.Strike != nil && c.Strike.Equal(strikes[0].strike) {
			out = append(out, c)
		}
	}
	return out, false
}
