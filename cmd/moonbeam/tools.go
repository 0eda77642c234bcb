package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/moonbeamcoffee/moonbeam/pkg/llm"
	"github.com/moonbeamcoffee/moonbeam/pkg/orders"
)

type BaristaToolRegistry struct {
	store    *orders.Store
	tools    []llm.Tool
	handlers map[string]func(map[string]any) (string, error)
}

func NewBaristaToolRegistry(store *orders.Store) *BaristaToolRegistry {
	reg := &BaristaToolRegistry{store: store}
	reg.tools = []llm.Tool{
		{
			Name: "save_order",
			Description: "Save the customer's completed coffee order. " +
				"Call this once the drink, size, and any milk or extras have been collected.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"drinkType": map[string]any{
						"type":        "string",
						"description": "The drink ordered, e.g. latte, cappuccino, americano",
					},
					"size": map[string]any{
						"type":        "string",
						"description": "Drink size: small, medium, or large",
					},
					"milk": map[string]any{
						"type":        "string",
						"description": "Milk preference, e.g. whole, oat, almond, none",
					},
					"extras": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Extras such as extra shot or vanilla syrup",
					},
					"name": map[string]any{
						"type":        "string",
						"description": "The customer's name for the order",
					},
				},
				"required": []string{"drinkType", "size"},
			},
		},
	}
	reg.handlers = map[string]func(map[string]any) (string, error){
		"save_order": reg.saveOrderTool,
	}
	return reg
}

func (r *BaristaToolRegistry) Tools() []llm.Tool {
	return r.tools
}

func (r *BaristaToolRegistry) HandleTool(name string, args map[string]any) (string, error) {
	h := r.handlers[name]
	if h == nil {
		return "", errors.New("missing handler")
	}
	return h(args)
}

var _ llm.ToolRegistry = (*BaristaToolRegistry)(nil)

func (r *BaristaToolRegistry) saveOrderTool(args map[string]any) (string, error) {
	order := orders.Order{
		DrinkType:    optionalString(args, "drinkType"),
		Size:         optionalString(args, "size"),
		Milk:         optionalString(args, "milk"),
		Extras:       stringSlice(args, "extras"),
		CustomerName: optionalString(args, "name"),
	}
	result, err := r.store.Save(order)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode save result: %w", err)
	}
	return string(data), nil
}

func optionalString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// stringSlice keeps every string entry as given, empty ones included;
// extras are free text and the store accepts whatever was said.
func stringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
