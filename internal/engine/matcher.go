package engine

import (
	"strings"

	"github.com/shipmargin/keel/internal/domain"
)

// Resolve selects the single applicable rate rule for a context.
//
// Resolution order, first match wins with no accumulation across levels:
//
//  1. Route: both origin and destination present, matched against the
//     configured routes in declaration order, exact case-insensitive
//     equality first, then a city-level first-token fallback.
//  2. Service: exact lookup of the context's service type.
//  3. Volume tier: tier lookup on the period volume count.
//  4. Default: the subject-level default rate.
//
// Missing optional context fields skip their level; Resolve never fails.
func Resolve(rs *domain.RuleSet, cx *domain.CalcContext) (domain.RateRule, domain.RuleOrigin) {
	if rate, ok := matchRoute(rs.RouteRates, cx.Origin, cx.Destination); ok {
		return rate, domain.OriginRoute
	}

	if cx.ServiceType != "" {
		if rate, ok := rs.ServiceRates[cx.ServiceType]; ok {
			return rate, domain.OriginService
		}
	}

	if cx.PeriodVolumeCount != nil {
		if tier := FindVolumeTier(rs.VolumeTiers, *cx.PeriodVolumeCount); tier != nil {
			return tier.Rate, domain.OriginVolumeTier
		}
	}

	return rs.DefaultRate, domain.OriginDefault
}

// matchRoute tries the configured routes in declaration order. An exact
// pass over all routes runs before the city-level pass, so a later exact
// match beats an earlier first-token match.
func matchRoute(routes []domain.RouteRate, origin, destination string) (domain.RateRule, bool) {
	if origin == "" || destination == "" || len(routes) == 0 {
		return domain.RateRule{}, false
	}

	for _, route := range routes {
		if strings.EqualFold(route.Origin, origin) && strings.EqualFold(route.Destination, destination) {
			return route.Rate, true
		}
	}

	// City-level heuristic: compare only the first whitespace-delimited token
	originCity := firstToken(origin)
	destCity := firstToken(destination)
	if originCity == "" || destCity == "" {
		return domain.RateRule{}, false
	}

	for _, route := range routes {
		if strings.EqualFold(firstToken(route.Origin), originCity) &&
			strings.EqualFold(firstToken(route.Destination), destCity) {
			return route.Rate, true
		}
	}

	return domain.RateRule{}, false
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
