package roddom

import (
	"encoding/json"
	"fmt"
	"time"
)

// Binding names the page script calls.
const (
	bindingInput    = "__formkeep_input"
	bindingMutation = "__formkeep_mutation"
)

// inputPayload is one input/change notification. Target is a handle into
// the page script's target map, resolved to an element on the Go side.
type inputPayload struct {
	Type    string `json:"type"`
	Trusted bool   `json:"trusted"`
	Target  int64  `json:"target"`
	At      int64  `json:"at"` // ms since epoch
}

type mutationPayload struct {
	Records int   `json:"records"`
	At      int64 `json:"at"`
}

func parseInput(raw string) (inputPayload, error) {
	var p inputPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("roddom: input payload: %w", err)
	}
	if p.Type != "input" && p.Type != "change" {
		return p, fmt.Errorf("roddom: input payload: unexpected type %q", p.Type)
	}
	if p.Target <= 0 {
		return p, fmt.Errorf("roddom: input payload: missing target")
	}
	return p, nil
}

func parseMutation(raw string) (mutationPayload, error) {
	var p mutationPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("roddom: mutation payload: %w", err)
	}
	return p, nil
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
