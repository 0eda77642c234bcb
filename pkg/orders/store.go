package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/errorsx"
)

// Order is a single drink order as collected by the agent.
type Order struct {
	DrinkType    string   `json:"drinkType"`
	Size         string   `json:"size"`
	Milk         string   `json:"milk"`
	Extras       []string `json:"extras"`
	CustomerName string   `json:"name"`
}

// SaveResult is returned to the model so it can confirm the order back
// to the caller in its own words.
type SaveResult struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
	Message  string `json:"message"`
	Order    Order  `json:"order"`
}

// ErrIncompleteOrder is returned when required fields are still missing.
// The tool handler surfaces it so the model keeps collecting instead of
// saving a partial order.
var ErrIncompleteOrder = errors.New("order is missing required fields")

const timestampLayout = "20060102-150405"

// Store persists orders as JSON files, one file per order.
type Store struct {
	dir string
	now func() time.Time
}

func NewStore(dir string) *Store {
	if strings.TrimSpace(dir) == "" {
		dir = "orders"
	}
	return &Store{dir: dir, now: time.Now}
}

func (s *Store) Dir() string { return s.dir }

// Save validates the order and writes it to
// <dir>/<YYYYMMDD-HHMMSS>_<safe_name>.json with 2-space indentation.
func (s *Store) Save(o Order) (SaveResult, error) {
	if err := validate(o); err != nil {
		return SaveResult{}, err
	}
	if o.Extras == nil {
		o.Extras = []string{}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return SaveResult{}, errorsx.Wrap(fmt.Errorf("create orders dir %s: %w", s.dir, err), errorsx.ReasonOrderSave)
	}

	name := strings.TrimSpace(o.CustomerName)
	if name == "" {
		name = "guest"
	}
	safeName := strings.ReplaceAll(name, " ", "_")
	ts := s.now().UTC().Format(timestampLayout)
	path := filepath.Join(s.dir, ts+"_"+safeName+".json")

	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return SaveResult{}, errorsx.Wrap(err, errorsx.ReasonOrderSave)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return SaveResult{}, errorsx.Wrap(fmt.Errorf("write order %s: %w", path, err), errorsx.ReasonOrderSave)
	}

	return SaveResult{
		Status:   "saved",
		Filename: path,
		Message:  confirmation(name, o),
		Order:    o,
	}, nil
}

func validate(o Order) error {
	var missing []string
	if strings.TrimSpace(o.DrinkType) == "" {
		missing = append(missing, "drinkType")
	}
	if strings.TrimSpace(o.Size) == "" {
		missing = append(missing, "size")
	}
	if len(missing) > 0 {
		return errorsx.Wrap(fmt.Errorf("%w: %s", ErrIncompleteOrder, strings.Join(missing, ", ")), errorsx.ReasonOrderIncomplete)
	}
	if strings.ContainsAny(o.CustomerName, `/\`) {
		return errorsx.Wrap(fmt.Errorf("customer name %q contains path separators", o.CustomerName), errorsx.ReasonOrderIncomplete)
	}
	return nil
}

func confirmation(name string, o Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Saved order for %s: %s %s with %s milk", name, o.Size, o.DrinkType, o.Milk)
	if len(o.Extras) > 0 {
		b.WriteString(" and ")
		b.WriteString(strings.Join(o.Extras, ", "))
	}
	b.WriteString(".")
	return b.String()
}
