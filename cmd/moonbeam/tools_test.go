package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/moonbeamcoffee/moonbeam/pkg/orders"
)

func TestSaveOrderToolReturnsResultJSON(t *testing.T) {
	reg := NewBaristaToolRegistry(orders.NewStore(t.TempDir()))
	out, err := reg.HandleTool("save_order", map[string]any{
		"drinkType": "latte",
		"size":      "medium",
		"milk":      "oat",
		"extras":    []any{"extra shot"},
		"name":      "Sam",
	})
	if err != nil {
		t.Fatalf("handle tool: %v", err)
	}
	var res orders.SaveResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Status != "saved" {
		t.Fatalf("status = %q", res.Status)
	}
	if res.Message != "Saved order for Sam: medium latte with oat milk and extra shot." {
		t.Fatalf("message = %q", res.Message)
	}
	if res.Order.DrinkType != "latte" || res.Order.CustomerName != "Sam" {
		t.Fatalf("order echo mismatch: %+v", res.Order)
	}
}

func TestSaveOrderToolGuestFallback(t *testing.T) {
	reg := NewBaristaToolRegistry(orders.NewStore(t.TempDir()))
	out, err := reg.HandleTool("save_order", map[string]any{
		"drinkType": "americano",
		"size":      "small",
	})
	if err != nil {
		t.Fatalf("handle tool: %v", err)
	}
	var res orders.SaveResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !strings.HasSuffix(res.Filename, "_guest.json") {
		t.Fatalf("filename = %q", res.Filename)
	}
}

func TestSaveOrderToolKeepsExtrasVerbatim(t *testing.T) {
	reg := NewBaristaToolRegistry(orders.NewStore(t.TempDir()))

	out, err := reg.HandleTool("save_order", map[string]any{
		"drinkType": "mocha",
		"size":      "large",
		"milk":      "whole",
		"extras":    []any{"", "  whipped cream  ", "extra shot"},
		"name":      "Lee",
	})
	if err != nil {
		t.Fatalf("HandleTool: %v", err)
	}

	var result orders.SaveResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	want := []string{"", "  whipped cream  ", "extra shot"}
	if len(result.Order.Extras) != len(want) {
		t.Fatalf("extras = %v, want %v", result.Order.Extras, want)
	}
	for i, e := range result.Order.Extras {
		if e != want[i] {
			t.Fatalf("extras[%d] = %q, want %q", i, e, want[i])
		}
	}
}

func TestSaveOrderToolRejectsMissingDrink(t *testing.T) {
	reg := NewBaristaToolRegistry(orders.NewStore(t.TempDir()))
	if _, err := reg.HandleTool("save_order", map[string]any{"size": "large"}); err == nil {
		t.Fatalf("expected incomplete order error")
	}
}

func TestHandleToolUnknownName(t *testing.T) {
	reg := NewBaristaToolRegistry(orders.NewStore(t.TempDir()))
	if _, err := reg.HandleTool("brew_tea", nil); err == nil {
		t.Fatalf("expected error for unknown tool")
	}
}

func TestToolsListsSaveOrder(t *testing.T) {
	reg := NewBaristaToolRegistry(orders.NewStore(t.TempDir()))
	tools := reg.Tools()
	if len(tools) != 1 || tools[0].Name != "save_order" {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].RequiresConfirmation {
		t.Fatalf("save_order should not require confirmation")
	}
}
