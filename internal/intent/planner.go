package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/wheelswins/pam-core/internal/config"
)

// ActionType discriminates the planner's output variants.
type ActionType string

const (
	ActionMessage    ActionType = "message"
	ActionToolCall   ActionType = "tool_call"
	ActionDataRender ActionType = "data_render"
	ActionError      ActionType = "error"
)

// Action is one step the runtime should take in response to an
// utterance. Fields are populated per Type: Text for message and error,
// Tool/Arguments for tool_call, View/Payload for data_render.
type Action struct {
	Type      ActionType     `json:"type"`
	Text      string         `json:"text,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	View      string         `json:"view,omitempty"`
	Payload   any            `json:"payload,omitempty"`
}

// Plan pairs the classified intent with the actions it produced.
type Plan struct {
	Intent  Intent   `json:"intent"`
	Actions []Action `json:"actions"`
}

// DomainHandler turns an intent into actions for one domain.
type DomainHandler func(ctx context.Context, in Intent) ([]Action, error)

// Planner routes classified intents to per-domain handlers. Low-confidence
// intents short-circuit into a clarification message, and a failing
// handler degrades to an error action rather than failing the turn.
type Planner struct {
	classifier    *Classifier
	handlers      map[Domain]DomainHandler
	minConfidence float64
	log           *slog.Logger
}

func NewPlanner(cfg config.AssistantConfig, classifier *Classifier, log *slog.Logger) *Planner {
	p := &Planner{
		classifier:    classifier,
		handlers:      make(map[Domain]DomainHandler),
		minConfidence: cfg.MinConfidence,
		log:           log.With(slog.String("component", "planner")),
	}
	p.handlers[DomainWheels] = wheelsHandler
	p.handlers[DomainWins] = winsHandler
	p.handlers[DomainSocial] = socialHandler
	p.handlers[DomainYou] = youHandler
	p.handlers[DomainGeneral] = generalHandler
	return p
}

// SetHandler replaces the handler for one domain. Intended for tests and
// for embedding the planner with custom surfaces.
func (p *Planner) SetHandler(domain Domain, handler DomainHandler) {
	p.handlers[domain] = handler
}

func (p *Planner) Plan(ctx context.Context, utterance string) Plan {
	in := p.classifier.Classify(utterance)

	if in.Confidence < p.minConfidence {
		return Plan{Intent: in, Actions: []Action{{
			Type: ActionMessage,
			Text: "I'm not sure what you're asking. Could you rephrase that?",
		}}}
	}

	handler, ok := p.handlers[in.Domain]
	if !ok {
		handler = generalHandler
	}

	actions, err := handler(ctx, in)
	if err != nil {
		p.log.Warn("domain handler failed",
			slog.String("domain", string(in.Domain)),
			slog.String("intent", in.Name),
			slog.String("error", err.Error()))
		return Plan{Intent: in, Actions: []Action{{
			Type: ActionError,
			Text: "Something went wrong handling that request.",
		}}}
	}
	if len(actions) == 0 {
		actions = []Action{{
			Type: ActionMessage,
			Text: "I don't have anything for that yet.",
		}}
	}
	return Plan{Intent: in, Actions: actions}
}

func wheelsHandler(ctx context.Context, in Intent) ([]Action, error) {
	switch in.Name {
	case "plan_trip", "wheels_query":
		args := map[string]any{}
		if dest, ok := in.Entities["destination"]; ok {
			args["destination"] = dest
		}
		if interests, ok := in.Entities["interests"]; ok {
			args["interests"] = splitInterests(interests)
		}
		actions := []Action{{Type: ActionToolCall, Tool: "plan_trip", Arguments: args}}
		if dest, ok := in.Entities["destination"]; ok {
			actions = append(actions,
				Action{Type: ActionToolCall, Tool: "search_campgrounds", Arguments: map[string]any{"near": dest}},
				Action{Type: ActionToolCall, Tool: "get_weather", Arguments: map[string]any{"city": dest}},
			)
		}
		return actions, nil
	case "find_campground":
		args := map[string]any{}
		if near, ok := in.Entities["near"]; ok {
			args["near"] = near
		}
		return []Action{{Type: ActionToolCall, Tool: "search_campgrounds", Arguments: args}}, nil
	case "log_fuel":
		return []Action{{Type: ActionToolCall, Tool: "log_fuel_stop", Arguments: entityArgs(in)}}, nil
	default:
		return nil, fmt.Errorf("unhandled wheels intent %q", in.Name)
	}
}

func winsHandler(ctx context.Context, in Intent) ([]Action, error) {
	switch in.Name {
	case "log_expense":
		amount, err := strconv.ParseFloat(in.Entities["amount"], 64)
		if err != nil || amount <= 0 {
			return []Action{{Type: ActionMessage, Text: "How much was the expense?"}}, nil
		}
		args := map[string]any{
			"amount":   amount,
			"category": expenseCategory(in.Entities["category"]),
		}
		return []Action{{Type: ActionToolCall, Tool: "create_expense", Arguments: args}}, nil
	case "budget_status", "wins_query":
		return []Action{
			{Type: ActionToolCall, Tool: "get_budget_summary", Arguments: map[string]any{"period": "month"}},
			{Type: ActionDataRender, View: "budget_summary"},
		}, nil
	default:
		return nil, fmt.Errorf("unhandled wins intent %q", in.Name)
	}
}

// expenseCategory folds free-form spending words onto the budget
// categories the expense tool accepts.
func expenseCategory(word string) string {
	switch word {
	case "gas", "fuel", "diesel", "propane":
		return "fuel"
	case "food", "groceries", "lunch", "dinner", "snacks", "coffee":
		return "food"
	case "camping", "campground", "campsite":
		return "camping"
	case "maintenance", "repair", "repairs", "parts", "tires":
		return "maintenance"
	case "entertainment", "tickets", "fun":
		return "entertainment"
	default:
		return "other"
	}
}

func socialHandler(ctx context.Context, in Intent) ([]Action, error) {
	switch in.Name {
	case "group_update":
		return []Action{{Type: ActionToolCall, Tool: "post_group_update", Arguments: entityArgs(in)}}, nil
	case "social_query":
		return []Action{{Type: ActionMessage, Text: "You can ask me to post an update to one of your groups."}}, nil
	default:
		return nil, fmt.Errorf("unhandled social intent %q", in.Name)
	}
}

func youHandler(ctx context.Context, in Intent) ([]Action, error) {
	return []Action{
		{Type: ActionToolCall, Tool: "get_user_profile"},
		{Type: ActionDataRender, View: "profile_card"},
	}, nil
}

func generalHandler(ctx context.Context, in Intent) ([]Action, error) {
	if in.Name == "weather_query" {
		args := map[string]any{}
		if city, ok := in.Entities["city"]; ok {
			args["city"] = city
		}
		return []Action{{Type: ActionToolCall, Tool: "get_weather", Arguments: args}}, nil
	}
	return []Action{{Type: ActionMessage, Text: "Happy to help. Ask me about trips, budgets, or your groups."}}, nil
}

func entityArgs(in Intent) map[string]any {
	if len(in.Entities) == 0 {
		return map[string]any{}
	}
	args := make(map[string]any, len(in.Entities))
	for k, v := range in.Entities {
		args[k] = v
	}
	return args
}

// splitInterests returns []any so the values validate like JSON-decoded
// arguments.
func splitInterests(raw string) []any {
	var out []any
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "and ")
		part = strings.TrimPrefix(part, "some ")
		part = strings.TrimSuffix(part, " stops")
		part = strings.TrimSuffix(part, " stop")
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
