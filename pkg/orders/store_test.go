package orders

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/errorsx"
)

func fixedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(t.TempDir())
	s.now = func() time.Time {
		return time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	}
	return s
}

func TestSaveWritesTimestampedFile(t *testing.T) {
	s := fixedStore(t)
	res, err := s.Save(Order{
		DrinkType:    "latte",
		Size:         "medium",
		Milk:         "oat",
		Extras:       []string{"extra shot"},
		CustomerName: "Jane Doe",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	want := filepath.Join(s.Dir(), "20250314-092653_Jane_Doe.json")
	if res.Filename != want {
		t.Fatalf("filename = %q, want %q", res.Filename, want)
	}
	if res.Status != "saved" {
		t.Fatalf("status = %q", res.Status)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("stat written file: %v", err)
	}
}

func TestSaveConfirmationMessage(t *testing.T) {
	s := fixedStore(t)
	res, err := s.Save(Order{
		DrinkType:    "latte",
		Size:         "medium",
		Milk:         "oat",
		Extras:       []string{"extra shot"},
		CustomerName: "Sam",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	want := "Saved order for Sam: medium latte with oat milk and extra shot."
	if res.Message != want {
		t.Fatalf("message = %q, want %q", res.Message, want)
	}
}

func TestSaveNoExtrasOmitsAndClause(t *testing.T) {
	s := fixedStore(t)
	res, err := s.Save(Order{
		DrinkType:    "cappuccino",
		Size:         "small",
		Milk:         "whole",
		CustomerName: "Ana",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if strings.Contains(res.Message, " and ") {
		t.Fatalf("message %q should not contain an extras clause", res.Message)
	}
	if !strings.HasSuffix(res.Message, "whole milk.") {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestSaveEmptyNameFallsBackToGuest(t *testing.T) {
	s := fixedStore(t)
	res, err := s.Save(Order{
		DrinkType: "mocha",
		Size:      "large",
		Milk:      "almond",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasSuffix(res.Filename, "_guest.json") {
		t.Fatalf("filename = %q, want _guest.json suffix", res.Filename)
	}
	if !strings.HasPrefix(res.Message, "Saved order for guest:") {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestSaveFileRoundTrips(t *testing.T) {
	s := fixedStore(t)
	in := Order{
		DrinkType:    "flat white",
		Size:         "small",
		Milk:         "soy",
		Extras:       []string{"decaf", "extra hot"},
		CustomerName: "Kai",
	}
	res, err := s.Save(in)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(res.Filename)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "\n  \"drinkType\"") {
		t.Fatalf("file not 2-space indented:\n%s", data)
	}
	var out Order
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.DrinkType != in.DrinkType || out.Size != in.Size || out.Milk != in.Milk ||
		out.CustomerName != in.CustomerName || len(out.Extras) != 2 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if len(raw) != 5 {
		t.Fatalf("expected exactly 5 fields, got %d", len(raw))
	}
	if _, ok := raw["name"]; !ok {
		t.Fatalf("file missing \"name\" field:\n%s", data)
	}
	for _, key := range []string{"drinkType", "size", "milk", "extras"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("file missing %q field:\n%s", key, data)
		}
	}
}

func TestSaveSameSecondOverwrites(t *testing.T) {
	s := fixedStore(t)
	first, err := s.Save(Order{DrinkType: "latte", Size: "small", Milk: "oat", CustomerName: "Sam"})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	second, err := s.Save(Order{DrinkType: "mocha", Size: "large", Milk: "whole", CustomerName: "Sam"})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if first.Filename != second.Filename {
		t.Fatalf("filenames differ: %q vs %q", first.Filename, second.Filename)
	}
	data, err := os.ReadFile(second.Filename)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out Order
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.DrinkType != "mocha" || out.Size != "large" {
		t.Fatalf("file should hold the later order, got %+v", out)
	}
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single order file, found %d", len(entries))
	}
}

func TestSaveNilExtrasSerializesAsEmptyList(t *testing.T) {
	s := fixedStore(t)
	res, err := s.Save(Order{DrinkType: "espresso", Size: "small", Milk: "none", CustomerName: "Bo"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(res.Filename)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), `"extras": null`) {
		t.Fatalf("extras serialized as null:\n%s", data)
	}
}

func TestSaveRejectsIncompleteOrder(t *testing.T) {
	s := fixedStore(t)
	_, err := s.Save(Order{Milk: "oat", CustomerName: "Sam"})
	if err == nil {
		t.Fatalf("expected error for incomplete order")
	}
	if !errors.Is(err, ErrIncompleteOrder) {
		t.Fatalf("expected ErrIncompleteOrder, got %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonOrderIncomplete {
		t.Fatalf("reason = %s", errorsx.Reason(err))
	}
}

func TestSaveRejectsPathSeparatorsInName(t *testing.T) {
	s := fixedStore(t)
	_, err := s.Save(Order{DrinkType: "latte", Size: "small", Milk: "oat", CustomerName: "../etc"})
	if err == nil {
		t.Fatalf("expected error for path separator in name")
	}
}

func TestNewStoreDefaultsDir(t *testing.T) {
	s := NewStore(" ")
	if s.Dir() != "orders" {
		t.Fatalf("dir = %q", s.Dir())
	}
}
