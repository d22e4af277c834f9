package tool

import (
	"context"
	"time"

	"github.com/wheelswins/pam-core/internal/cache"
)

const (
	profileTTL    = 5 * time.Minute
	budgetTTL     = time.Minute
	weatherTTL    = 10 * time.Minute
	campgroundTTL = 5 * time.Minute
)

// Builtins returns the tool set the assistant ships with. Read tools go
// through the cache; write tools invalidate the namespaces they make
// stale before returning.
func Builtins(backend BackendClient, store cache.Cache) []Definition {
	return []Definition{
		{
			Name:          "get_user_profile",
			Description:   "Fetch the caller's profile: rig details, home base, preferences.",
			Parameters:    ObjectSchema(nil),
			RequiredScope: "profile:read",
			Handler: cached(store, profileTTL,
				func(call Call) string { return cache.Key("user", "profile", call.UserID) },
				func(ctx context.Context, call Call) (any, error) {
					return backend.GetUserProfile(ctx, call.UserID)
				}),
		},
		{
			Name:        "create_expense",
			Description: "Record an expense against the caller's budget.",
			Parameters: ObjectSchema(map[string]*Schema{
				"amount":   NumberSchema("Expense amount in dollars.").WithMinimum(0.01),
				"category": StringSchema("Budget category.").WithEnum("fuel", "food", "camping", "maintenance", "entertainment", "other"),
				"memo":     StringSchema("Optional note."),
			}, "amount", "category"),
			RequiredScope: "wins:write",
			Handler: func(ctx context.Context, call Call) (any, error) {
				out, err := backend.CreateExpense(ctx, call.UserID, call.Arguments)
				if err != nil {
					return nil, err
				}
				store.InvalidatePrefix(cache.Key("user", "budget", call.UserID))
				return out, nil
			},
		},
		{
			Name:        "get_budget_summary",
			Description: "Summarize spending against budget for a period.",
			Parameters: ObjectSchema(map[string]*Schema{
				"period": StringSchema("Reporting period.").WithEnum("week", "month", "trip", "year"),
			}, "period"),
			RequiredScope: "wins:read",
			Handler: cached(store, budgetTTL,
				func(call Call) string {
					return cache.Key("user", "budget", call.UserID, stringArg(call, "period"))
				},
				func(ctx context.Context, call Call) (any, error) {
					return backend.GetBudgetSummary(ctx, call.UserID, stringArg(call, "period"))
				}),
		},
		{
			Name:        "plan_trip",
			Description: "Plan a route with overnight stops and points of interest.",
			Parameters: ObjectSchema(map[string]*Schema{
				"destination": StringSchema("Destination city or region.").WithMinLength(1),
				"origin":      StringSchema("Starting point; defaults to current location."),
				"interests":   {Type: "array", Items: StringSchema("Point-of-interest category."), Description: "Stop categories to weave into the route."},
				"max_drive_hours": NumberSchema("Longest acceptable daily drive.").
					WithMinimum(1).WithMaximum(14),
			}, "destination"),
			RequiredScope: "wheels:read",
			Handler: func(ctx context.Context, call Call) (any, error) {
				return backend.PlanTrip(ctx, call.UserID, call.Arguments)
			},
		},
		{
			Name:        "search_campgrounds",
			Description: "Search campgrounds near a location with optional filters.",
			Parameters: ObjectSchema(map[string]*Schema{
				"near":       StringSchema("Location to search around.").WithMinLength(1),
				"max_price":  NumberSchema("Nightly price ceiling in dollars.").WithMinimum(0),
				"hookups":    BooleanSchema("Require full hookups."),
				"pet_friendly": BooleanSchema("Require pets allowed."),
			}, "near"),
			RequiredScope: "wheels:read",
			Handler: cached(store, campgroundTTL,
				func(call Call) string {
					return cache.Key("campgrounds", stringArg(call, "near"))
				},
				func(ctx context.Context, call Call) (any, error) {
					return backend.SearchCampgrounds(ctx, call.Arguments)
				}),
		},
		{
			Name:        "log_fuel_stop",
			Description: "Log a fuel purchase with gallons and price.",
			Parameters: ObjectSchema(map[string]*Schema{
				"gallons":     NumberSchema("Gallons purchased.").WithMinimum(0.1),
				"price_total": NumberSchema("Total price in dollars.").WithMinimum(0.01),
				"odometer":    NumberSchema("Odometer reading in miles.").WithMinimum(0),
				"station":     StringSchema("Station name or location."),
			}, "gallons", "price_total"),
			RequiredScope: "wheels:write",
			Handler: func(ctx context.Context, call Call) (any, error) {
				out, err := backend.LogFuelStop(ctx, call.UserID, call.Arguments)
				if err != nil {
					return nil, err
				}
				store.InvalidatePrefix(cache.Key("user", "budget", call.UserID))
				return out, nil
			},
		},
		{
			Name:        "get_weather",
			Description: "Current conditions and short forecast for a city.",
			Parameters: ObjectSchema(map[string]*Schema{
				"city": StringSchema("City name.").WithMinLength(1),
			}, "city"),
			Handler: cached(store, weatherTTL,
				func(call Call) string { return cache.Key("weather", stringArg(call, "city")) },
				func(ctx context.Context, call Call) (any, error) {
					return backend.GetWeather(ctx, stringArg(call, "city"))
				}),
		},
		{
			Name:        "post_group_update",
			Description: "Post an update to one of the caller's groups.",
			Parameters: ObjectSchema(map[string]*Schema{
				"group_id": StringSchema("Target group.").WithMinLength(1),
				"message":  StringSchema("Update text.").WithMinLength(1),
			}, "group_id", "message"),
			RequiredScope: "social:write",
			Handler: func(ctx context.Context, call Call) (any, error) {
				return backend.PostGroupUpdate(ctx, call.UserID, call.Arguments)
			},
		},
	}
}

// cached wraps a fetch in a read-through against the store. Failed
// fetches are never cached.
func cached(store cache.Cache, ttl time.Duration, key func(Call) string, fetch Handler) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		k := key(call)
		if v, ok := store.Get(k); ok {
			return v, nil
		}
		out, err := fetch(ctx, call)
		if err != nil {
			return nil, err
		}
		store.Set(k, out, ttl)
		return out, nil
	}
}

func stringArg(call Call, name string) string {
	if v, ok := call.Arguments[name].(string); ok {
		return v
	}
	return ""
}
