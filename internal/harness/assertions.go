package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Step, describe(event))
		}
	}
	return buf.String()
}

// describe renders a trace event on one line.
func describe(e TraceEvent) string {
	var parts []string
	parts = append(parts, e.Op)
	if e.Site != "" {
		parts = append(parts, "site="+e.Site)
	}
	if e.Name != "" {
		parts = append(parts, "name="+e.Name)
	}
	if e.Collection != "" {
		parts = append(parts, e.Collection+"/"+e.ID)
	}
	if e.IDs != nil {
		parts = append(parts, fmt.Sprintf("ids=%v", e.IDs))
	}
	if e.Version != 0 {
		parts = append(parts, fmt.Sprintf("v%d", e.Version))
	}
	if e.Noop {
		parts = append(parts, "noop")
	}
	return strings.Join(parts, " ")
}

// DocLookup reports whether a live document exists on a site. An empty
// site means the scenario's first site.
type DocLookup func(site, collection, id string) (bool, error)

func assertDeliveryCount(result *Result, a Assertion) error {
	got := len(result.Deliveries[a.Observer])
	if got != a.Count {
		return &AssertionError{
			Type:     AssertDeliveryCount,
			Expected: fmt.Sprintf("%d deliveries to %s", a.Count, a.Observer),
			Actual:   fmt.Sprintf("%d deliveries", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertDeliveredIDs(result *Result, a Assertion) error {
	ds := result.Deliveries[a.Observer]
	idx := len(ds) - 1
	which := "last delivery"
	if a.Delivery > 0 {
		idx = a.Delivery - 1
		which = fmt.Sprintf("delivery %d", a.Delivery)
	}
	if idx < 0 || idx >= len(ds) {
		return &AssertionError{
			Type:     AssertDeliveredIDs,
			Expected: fmt.Sprintf("%s to %s", which, a.Observer),
			Actual:   fmt.Sprintf("%d deliveries", len(ds)),
			Trace:    result.Trace,
		}
	}

	want := a.IDs
	if want == nil {
		want = []string{}
	}
	if got := ds[idx].IDs; !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertDeliveredIDs,
			Expected: fmt.Sprintf("%s to %s has ids %v", which, a.Observer, want),
			Actual:   fmt.Sprintf("ids %v", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertDocExists(lookup DocLookup, a Assertion) error {
	want := a.Exists == nil || *a.Exists
	got, err := lookup(a.Site, a.Collection, a.ID)
	if err != nil {
		return fmt.Errorf("doc_exists %s/%s: %w", a.Collection, a.ID, err)
	}
	if got != want {
		state := map[bool]string{true: "live", false: "absent"}
		return &AssertionError{
			Type:     AssertDocExists,
			Expected: fmt.Sprintf("%s/%s %s on %s", a.Collection, a.ID, state[want], siteLabel(a.Site)),
			Actual:   state[got],
		}
	}
	return nil
}

func assertFetchCount(result *Result, a Assertion) error {
	got, ok := result.Fetches[fetchKey(a.Site, a.Peer)]
	if !ok {
		return &AssertionError{
			Type:     AssertFetchCount,
			Expected: fmt.Sprintf("%s pulls from %s", a.Site, a.Peer),
			Actual:   "not connected",
		}
	}
	if got != int64(a.Count) {
		return &AssertionError{
			Type:     AssertFetchCount,
			Expected: fmt.Sprintf("%d fetches by %s from %s", a.Count, a.Site, a.Peer),
			Actual:   fmt.Sprintf("%d fetches", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

func siteLabel(site string) string {
	if site == "" {
		return "the first site"
	}
	return site
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// lookup answers doc_exists assertions; it may be nil when none are used.
func EvaluateAssertions(result *Result, assertions []Assertion, lookup DocLookup) []string {
	var errors []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertDeliveryCount:
			err = assertDeliveryCount(result, a)
		case AssertDeliveredIDs:
			err = assertDeliveredIDs(result, a)
		case AssertDocExists:
			if lookup == nil {
				err = fmt.Errorf("assertion[%d]: doc_exists requires a document lookup", i)
			} else {
				err = assertDocExists(lookup, a)
			}
		case AssertFetchCount:
			err = assertFetchCount(result, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
