package harness

import (
	"github.com/roach88/syncgate/internal/value"
)

// TraceEvent is one line of a scenario trace: either a step the harness
// performed or an update an observer received.
type TraceEvent struct {
	Step       int      `json:"step"`
	Op         string   `json:"op"` // step name, or "deliver"
	Site       string   `json:"site,omitempty"`
	Name       string   `json:"name,omitempty"` // observer or subscription
	Collection string   `json:"collection,omitempty"`
	ID         string   `json:"id,omitempty"`
	IDs        []string `json:"ids,omitempty"`
	Version    int64    `json:"version,omitempty"`
	Noop       bool     `json:"noop,omitempty"`
	Superseded int      `json:"superseded,omitempty"`
	Resynced   int      `json:"resynced,omitempty"`
}

// object renders the event with only its set fields, for canonical output.
func (e TraceEvent) object() value.Object {
	obj := value.Object{
		"step": value.Int(e.Step),
		"op":   value.String(e.Op),
	}
	str := func(k, v string) {
		if v != "" {
			obj[k] = value.String(v)
		}
	}
	str("site", e.Site)
	str("name", e.Name)
	str("collection", e.Collection)
	str("id", e.ID)
	if e.IDs != nil {
		ids := make(value.Array, len(e.IDs))
		for i, id := range e.IDs {
			ids[i] = value.String(id)
		}
		obj["ids"] = ids
	}
	if e.Version != 0 {
		obj["version"] = value.Int(e.Version)
	}
	if e.Noop {
		obj["noop"] = value.Bool(true)
	}
	if e.Superseded != 0 {
		obj["superseded"] = value.Int(e.Superseded)
	}
	if e.Resynced != 0 {
		obj["resynced"] = value.Int(e.Resynced)
	}
	return obj
}

// Delivery is one update received by a scenario observer.
type Delivery struct {
	Version    int64    `json:"version"`
	IDs        []string `json:"ids"`
	Superseded int      `json:"superseded,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists steps and deliveries in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Deliveries holds every observer's updates by observer name.
	Deliveries map[string][]Delivery `json:"deliveries"`

	// Fetches counts fetch requests by "site<-peer".
	Fetches map[string]int64 `json:"fetches"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []TraceEvent{},
		Errors:     []string{},
		Deliveries: make(map[string][]Delivery),
		Fetches:    make(map[string]int64),
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) trace(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}

func fetchKey(site, peer string) string {
	return site + "<-" + peer
}
