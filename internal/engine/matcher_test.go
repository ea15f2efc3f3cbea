package engine

import (
	"testing"

	"github.com/shipmargin/keel/internal/domain"
)

func testRuleSet() *domain.RuleSet {
	ten := 10
	return &domain.RuleSet{
		ID:        "rs-001",
		TenantID:  "tenant-001",
		SubjectID: "cust-001",
		DefaultRate: domain.RateRule{
			Percentage:    8,
			MinimumAmount: 25,
		},
		ServiceRates: map[domain.ServiceType]domain.RateRule{
			domain.ServiceExpress: {Percentage: 12, MinimumAmount: 40},
		},
		RouteRates: []domain.RouteRate{
			{Origin: "Hamburg Port", Destination: "Rotterdam Terminal", Rate: domain.RateRule{Percentage: 15, MinimumAmount: 60}},
			{Origin: "Oslo", Destination: "Bergen", Rate: domain.RateRule{Percentage: 14, MinimumAmount: 55}},
		},
		VolumeTiers: []domain.VolumeTier{
			{MinCount: 0, MaxCount: &ten, Rate: domain.RateRule{Percentage: 5, MinimumAmount: 10}},
			{MinCount: 11, Rate: domain.RateRule{Percentage: 9, MinimumAmount: 10}},
		},
		CalculationMethod: domain.MethodHigherWins,
	}
}

func TestResolveExactRoute(t *testing.T) {
	rs := testRuleSet()

	rate, origin := Resolve(rs, &domain.CalcContext{
		BaseAmount:  1000,
		Origin:      "hamburg port",
		Destination: "ROTTERDAM TERMINAL",
	})

	if origin != domain.OriginRoute {
		t.Fatalf("expected route origin, got %s", origin)
	}
	if rate.Percentage != 15 {
		t.Errorf("expected route rate 15%%, got %g", rate.Percentage)
	}
}

func TestResolveCityLevelRoute(t *testing.T) {
	rs := testRuleSet()

	// No exact match, but first tokens agree
	rate, origin := Resolve(rs, &domain.CalcContext{
		BaseAmount:  1000,
		Origin:      "Hamburg Altona",
		Destination: "Rotterdam Zuid",
	})

	if origin != domain.OriginRoute {
		t.Fatalf("expected route origin via city fallback, got %s", origin)
	}
	if rate.Percentage != 15 {
		t.Errorf("expected route rate 15%%, got %g", rate.Percentage)
	}
}

func TestRoutePrecedesService(t *testing.T) {
	rs := testRuleSet()

	// Context matches both a route and a service rate; route must win.
	_, origin := Resolve(rs, &domain.CalcContext{
		BaseAmount:  1000,
		Origin:      "Oslo",
		Destination: "Bergen",
		ServiceType: domain.ServiceExpress,
	})

	if origin != domain.OriginRoute {
		t.Errorf("route match must short-circuit service lookup, got %s", origin)
	}
}

func TestResolveService(t *testing.T) {
	rs := testRuleSet()

	rate, origin := Resolve(rs, &domain.CalcContext{
		BaseAmount:  1000,
		ServiceType: domain.ServiceExpress,
	})

	if origin != domain.OriginService {
		t.Fatalf("expected service origin, got %s", origin)
	}
	if rate.Percentage != 12 {
		t.Errorf("expected service rate 12%%, got %g", rate.Percentage)
	}
}

func TestServicePrecedesVolume(t *testing.T) {
	rs := testRuleSet()
	count := 5

	_, origin := Resolve(rs, &domain.CalcContext{
		BaseAmount:        1000,
		ServiceType:       domain.ServiceExpress,
		PeriodVolumeCount: &count,
	})

	if origin != domain.OriginService {
		t.Errorf("service match must short-circuit volume lookup, got %s", origin)
	}
}

func TestResolveVolumeTier(t *testing.T) {
	rs := testRuleSet()

	for _, tc := range []struct {
		count    int
		wantRate float64
	}{
		{count: 9, wantRate: 5},
		{count: 10, wantRate: 5}, // inclusive upper bound
		{count: 11, wantRate: 9},
		{count: 500, wantRate: 9}, // open-ended top tier
	} {
		count := tc.count
		rate, origin := Resolve(rs, &domain.CalcContext{
			BaseAmount:        1000,
			PeriodVolumeCount: &count,
		})
		if origin != domain.OriginVolumeTier {
			t.Fatalf("count=%d: expected volume_tier origin, got %s", tc.count, origin)
		}
		if rate.Percentage != tc.wantRate {
			t.Errorf("count=%d: expected %g%%, got %g%%", tc.count, tc.wantRate, rate.Percentage)
		}
	}
}

func TestResolveDefault(t *testing.T) {
	rs := testRuleSet()

	rate, origin := Resolve(rs, &domain.CalcContext{BaseAmount: 1000})

	if origin != domain.OriginDefault {
		t.Fatalf("expected default origin, got %s", origin)
	}
	if rate.Percentage != 8 {
		t.Errorf("expected default rate 8%%, got %g", rate.Percentage)
	}
}

func TestResolveUnknownServiceFallsThrough(t *testing.T) {
	rs := testRuleSet()

	_, origin := Resolve(rs, &domain.CalcContext{
		BaseAmount:  1000,
		ServiceType: domain.ServiceOvernight, // not configured
	})

	if origin != domain.OriginDefault {
		t.Errorf("unconfigured service must fall through to default, got %s", origin)
	}
}

func TestResolveRouteNeedsBothEndpoints(t *testing.T) {
	rs := testRuleSet()

	_, origin := Resolve(rs, &domain.CalcContext{
		BaseAmount: 1000,
		Origin:     "Oslo", // destination missing
	})

	if origin != domain.OriginDefault {
		t.Errorf("partial lane must not match a route, got %s", origin)
	}
}

func TestResolveVolumeOutsideTiersFallsToDefault(t *testing.T) {
	five := 5
	rs := &domain.RuleSet{
		DefaultRate: domain.RateRule{Percentage: 8},
		VolumeTiers: []domain.VolumeTier{
			{MinCount: 10, MaxCount: nil, Rate: domain.RateRule{Percentage: 5}},
		},
	}

	_, origin := Resolve(rs, &domain.CalcContext{
		BaseAmount:        100,
		PeriodVolumeCount: &five,
	})

	if origin != domain.OriginDefault {
		t.Errorf("count below all tiers must fall to default, got %s", origin)
	}
}

func TestResolveAlwaysReturnsAnOrigin(t *testing.T) {
	// Even an empty rule set resolves to the default rate.
	rs := &domain.RuleSet{DefaultRate: domain.RateRule{Percentage: 3, MinimumAmount: 1}}

	rate, origin := Resolve(rs, &domain.CalcContext{BaseAmount: 10})

	if origin != domain.OriginDefault {
		t.Fatalf("expected default, got %s", origin)
	}
	if rate != rs.DefaultRate {
		t.Errorf("expected the default rate echoed back")
	}
}

func TestRouteDeclarationOrderWins(t *testing.T) {
	rs := &domain.RuleSet{
		DefaultRate: domain.RateRule{Percentage: 1},
		RouteRates: []domain.RouteRate{
			{Origin: "Lyon", Destination: "Paris", Rate: domain.RateRule{Percentage: 10}},
			{Origin: "LYON", Destination: "PARIS", Rate: domain.RateRule{Percentage: 20}},
		},
	}

	rate, _ := Resolve(rs, &domain.CalcContext{
		BaseAmount:  100,
		Origin:      "Lyon",
		Destination: "Paris",
	})

	if rate.Percentage != 10 {
		t.Errorf("first configured route must win, got %g%%", rate.Percentage)
	}
}
