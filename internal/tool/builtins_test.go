package tool

import (
	"context"
	"testing"
	"time"

	"github.com/wheelswins/pam-core/internal/cache"
)

type fakeBackend struct {
	profileCalls int
	budgetCalls  int
	weatherCalls int
}

func (f *fakeBackend) GetUserProfile(ctx context.Context, userID string) (map[string]any, error) {
	f.profileCalls++
	return map[string]any{"user_id": userID, "rig": "Class A"}, nil
}

func (f *fakeBackend) CreateExpense(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	return map[string]any{"expense_id": "e-1"}, nil
}

func (f *fakeBackend) GetBudgetSummary(ctx context.Context, userID, period string) (map[string]any, error) {
	f.budgetCalls++
	return map[string]any{"period": period, "spent": 120.50}, nil
}

func (f *fakeBackend) PlanTrip(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	return map[string]any{"legs": []any{}}, nil
}

func (f *fakeBackend) SearchCampgrounds(ctx context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"results": []any{}}, nil
}

func (f *fakeBackend) LogFuelStop(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	return map[string]any{"stop_id": "s-1"}, nil
}

func (f *fakeBackend) GetWeather(ctx context.Context, city string) (map[string]any, error) {
	f.weatherCalls++
	return map[string]any{"city": city, "temp_f": 72}, nil
}

func (f *fakeBackend) PostGroupUpdate(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	return map[string]any{"post_id": "p-1"}, nil
}

func builtinRegistry(t *testing.T, backend BackendClient, store *cache.Store) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, def := range Builtins(backend, store) {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
	}
	reg.Seal()
	return reg
}

func TestProfileReadsThroughCache(t *testing.T) {
	backend := &fakeBackend{}
	store := cache.New(time.Minute)
	reg := builtinRegistry(t, backend, store)
	def, _ := reg.Lookup("get_user_profile")

	call := Call{Name: "get_user_profile", UserID: "u1"}
	for i := 0; i < 3; i++ {
		if _, err := def.Handler(context.Background(), call); err != nil {
			t.Fatalf("handler: %v", err)
		}
	}
	if backend.profileCalls != 1 {
		t.Fatalf("expected 1 backend call, got %d", backend.profileCalls)
	}
}

func TestCreateExpenseInvalidatesBudget(t *testing.T) {
	backend := &fakeBackend{}
	store := cache.New(time.Minute)
	reg := builtinRegistry(t, backend, store)

	budget, _ := reg.Lookup("get_budget_summary")
	expense, _ := reg.Lookup("create_expense")

	budgetCall := Call{Name: "get_budget_summary", UserID: "u1", Arguments: map[string]any{"period": "month"}}
	if _, err := budget.Handler(context.Background(), budgetCall); err != nil {
		t.Fatalf("budget: %v", err)
	}
	if _, err := budget.Handler(context.Background(), budgetCall); err != nil {
		t.Fatalf("budget: %v", err)
	}
	if backend.budgetCalls != 1 {
		t.Fatalf("expected cached budget, got %d backend calls", backend.budgetCalls)
	}

	if _, err := expense.Handler(context.Background(), Call{
		Name:      "create_expense",
		UserID:    "u1",
		Arguments: map[string]any{"amount": 40.0, "category": "fuel"},
	}); err != nil {
		t.Fatalf("expense: %v", err)
	}

	if _, err := budget.Handler(context.Background(), budgetCall); err != nil {
		t.Fatalf("budget after expense: %v", err)
	}
	if backend.budgetCalls != 2 {
		t.Fatalf("expected budget refetch after expense, got %d backend calls", backend.budgetCalls)
	}
}

func TestWeatherCacheKeyedByCity(t *testing.T) {
	backend := &fakeBackend{}
	store := cache.New(time.Minute)
	reg := builtinRegistry(t, backend, store)
	def, _ := reg.Lookup("get_weather")

	for _, city := range []string{"Austin", "Austin", "Boise"} {
		if _, err := def.Handler(context.Background(), Call{
			Name:      "get_weather",
			Arguments: map[string]any{"city": city},
		}); err != nil {
			t.Fatalf("weather: %v", err)
		}
	}
	if backend.weatherCalls != 2 {
		t.Fatalf("expected one fetch per distinct city, got %d", backend.weatherCalls)
	}
}
