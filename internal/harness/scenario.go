package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/store"
)

// DefaultSite names the only site of a scenario that lists none.
const DefaultSite = "local"

// Scenario is a scripted sequence of writes, observers and subscriptions
// across one or more replicas.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Sites lists the replicas. Empty means a single site named "local".
	Sites []string `yaml:"sites,omitempty"`

	// Peers maps a site to the sites it pulls documents from.
	Peers map[string][]string `yaml:"peers,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Do selects which fields apply.
type Step struct {
	Do   string `yaml:"do"`
	Site string `yaml:"site,omitempty"`

	// Name identifies an observer (observe, signal, cancel) or a
	// subscription (subscribe, cancel).
	Name string `yaml:"name,omitempty"`

	Collection string         `yaml:"collection,omitempty"`
	ID         string         `yaml:"id,omitempty"`
	Doc        map[string]any `yaml:"doc,omitempty"`
	Fields     map[string]any `yaml:"fields,omitempty"`
	Conflict   string         `yaml:"conflict,omitempty"`

	Query  string         `yaml:"query,omitempty"`
	Params map[string]any `yaml:"params,omitempty"`

	// Manual makes an observer wait for a signal step between updates.
	Manual bool `yaml:"manual,omitempty"`
}

// Step kinds.
const (
	StepPut       = "put"
	StepUpdate    = "update"
	StepDelete    = "delete"
	StepEvict     = "evict"
	StepObserve   = "observe"
	StepSignal    = "signal"
	StepSubscribe = "subscribe"
	StepCancel    = "cancel"
)

// Assertion checks the outcome of a scenario.
type Assertion struct {
	Type string `yaml:"type"`

	// Observer names the observer (delivery_count, delivered_ids).
	Observer string `yaml:"observer,omitempty"`

	// Count is the expected number (delivery_count, fetch_count).
	Count int `yaml:"count,omitempty"`

	// Delivery selects a delivery by 1-based index (delivered_ids).
	// Zero means the last one.
	Delivery int `yaml:"delivery,omitempty"`

	// IDs are the expected document ids, in order (delivered_ids).
	IDs []string `yaml:"ids,omitempty"`

	// Site, Collection and ID locate a document (doc_exists). Site is also
	// the pulling side of fetch_count.
	Site       string `yaml:"site,omitempty"`
	Collection string `yaml:"collection,omitempty"`
	ID         string `yaml:"id,omitempty"`

	// Exists defaults to true (doc_exists).
	Exists *bool `yaml:"exists,omitempty"`

	// Peer is the answering side of fetch_count.
	Peer string `yaml:"peer,omitempty"`
}

// Assertion type constants.
const (
	AssertDeliveryCount = "delivery_count"
	AssertDeliveredIDs  = "delivered_ids"
	AssertDocExists     = "doc_exists"
	AssertFetchCount    = "fetch_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios lists the .yaml and .yml files under dir, sorted. A
// non-empty filter is a glob matched against the file name without its
// extension.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	slices.Sort(files)
	return files, err
}

// siteNames returns the scenario's sites, defaulting to DefaultSite.
func (s *Scenario) siteNames() []string {
	if len(s.Sites) == 0 {
		return []string{DefaultSite}
	}
	return s.Sites
}

// validateScenario checks that required fields are present and that every
// step and assertion refers to something the scenario defines.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	sites := s.siteNames()
	for i, site := range sites {
		if site == "" {
			return fmt.Errorf("sites[%d]: empty site name", i)
		}
		if slices.Contains(sites[:i], site) {
			return fmt.Errorf("sites[%d]: duplicate site %q", i, site)
		}
	}
	for site, sources := range s.Peers {
		if !slices.Contains(sites, site) {
			return fmt.Errorf("peers: unknown site %q", site)
		}
		for _, src := range sources {
			if !slices.Contains(sites, src) {
				return fmt.Errorf("peers.%s: unknown site %q", site, src)
			}
			if src == site {
				return fmt.Errorf("peers.%s: a site cannot pull from itself", site)
			}
		}
	}

	observers := map[string]bool{}
	subscriptions := map[string]bool{}
	for i, step := range s.Steps {
		if step.Site != "" && !slices.Contains(sites, step.Site) {
			return fmt.Errorf("steps[%d]: unknown site %q", i, step.Site)
		}
		if err := validateStep(i, step, observers, subscriptions); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, sites, observers); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, observers, subscriptions map[string]bool) error {
	switch step.Do {
	case StepPut:
		if step.Collection == "" || step.Doc == nil {
			return fmt.Errorf("steps[%d]: put requires collection and doc", i)
		}
		if _, err := store.ParseConflict(step.Conflict); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	case StepUpdate:
		if step.Collection == "" || step.ID == "" || step.Fields == nil {
			return fmt.Errorf("steps[%d]: update requires collection, id and fields", i)
		}
	case StepDelete:
		if step.Collection == "" || step.ID == "" {
			return fmt.Errorf("steps[%d]: delete requires collection and id", i)
		}
	case StepEvict:
		stmt, err := query.Parse(step.Query)
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if _, ok := stmt.(*query.Evict); !ok {
			return fmt.Errorf("steps[%d]: evict requires an EVICT statement", i)
		}
	case StepObserve, StepSubscribe:
		if step.Name == "" {
			return fmt.Errorf("steps[%d]: %s requires a name", i, step.Do)
		}
		if observers[step.Name] || subscriptions[step.Name] {
			return fmt.Errorf("steps[%d]: name %q already used", i, step.Name)
		}
		if _, err := query.ParseSelect(step.Query); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if step.Do == StepObserve {
			observers[step.Name] = true
		} else {
			subscriptions[step.Name] = true
		}
	case StepSignal:
		if !observers[step.Name] {
			return fmt.Errorf("steps[%d]: signal of unknown observer %q", i, step.Name)
		}
	case StepCancel:
		if !observers[step.Name] && !subscriptions[step.Name] {
			return fmt.Errorf("steps[%d]: cancel of unknown observer or subscription %q", i, step.Name)
		}
	case "":
		return fmt.Errorf("steps[%d]: do is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown step %q", i, step.Do)
	}
	return nil
}

func validateAssertion(i int, a Assertion, sites []string, observers map[string]bool) error {
	switch a.Type {
	case AssertDeliveryCount, AssertDeliveredIDs:
		if !observers[a.Observer] {
			return fmt.Errorf("assertions[%d]: unknown observer %q", i, a.Observer)
		}
		if a.Count < 0 || a.Delivery < 0 {
			return fmt.Errorf("assertions[%d]: count and delivery must be non-negative", i)
		}
	case AssertDocExists:
		if a.Collection == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: doc_exists requires collection and id", i)
		}
		if a.Site != "" && !slices.Contains(sites, a.Site) {
			return fmt.Errorf("assertions[%d]: unknown site %q", i, a.Site)
		}
	case AssertFetchCount:
		if !slices.Contains(sites, a.Site) || !slices.Contains(sites, a.Peer) {
			return fmt.Errorf("assertions[%d]: fetch_count requires known site and peer", i)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", i)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
