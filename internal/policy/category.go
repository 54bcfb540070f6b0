package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	kit "campusnotify/internal/transport"

	yaml "go.yaml.in/yaml/v3"
)

var ErrCategoryNotFound = errors.New("category not found")

// Well-known categories of the school portal.
const (
	CategoryAcademic     = "academic"
	CategoryAssignment   = "assignment"
	CategoryEvaluation   = "evaluation"
	CategorySocial       = "social"
	CategoryAnnouncement = "announcement"
	CategoryCalendar     = "calendar"
	CategorySystem       = "system"
)

// CategoryPolicy is the static delivery policy of one category.
type CategoryPolicy struct {
	ID                  string       `json:"id" yaml:"id"`
	Priority            kit.Priority `json:"priority" yaml:"priority"`
	SoundProfile        string       `json:"sound_profile,omitempty" yaml:"sound_profile,omitempty"`
	VibrationPattern    []int        `json:"vibration_pattern,omitempty" yaml:"vibration_pattern,omitempty"`
	RequiresInteraction bool         `json:"requires_interaction" yaml:"requires_interaction"`
	RespectsQuietHours  bool         `json:"respects_quiet_hours" yaml:"respects_quiet_hours"`
}

// Catalog is an immutable set of category policies. Replace it as a whole to reload.
type Catalog struct {
	byID map[string]CategoryPolicy
}

func NewCatalog(policies []CategoryPolicy) (Catalog, error) {
	c := Catalog{byID: make(map[string]CategoryPolicy, len(policies))}
	for _, p := range policies {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return Catalog{}, errors.New("category id is required")
		}
		if _, dup := c.byID[p.ID]; dup {
			return Catalog{}, fmt.Errorf("duplicate category %q", p.ID)
		}
		if p.Priority < kit.PriorityLow || p.Priority > kit.PriorityCritical {
			return Catalog{}, fmt.Errorf("category %q: invalid priority", p.ID)
		}
		p.VibrationPattern = append([]int(nil), p.VibrationPattern...)
		c.byID[p.ID] = p
	}
	return c, nil
}

func (c Catalog) Get(id string) (CategoryPolicy, error) {
	p, ok := c.byID[id]
	if !ok {
		return CategoryPolicy{}, fmt.Errorf("%w: %s", ErrCategoryNotFound, id)
	}
	p.VibrationPattern = append([]int(nil), p.VibrationPattern...)
	return p, nil
}

// IDs returns the category ids in lexical order.
func (c Catalog) IDs() []string {
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c Catalog) Len() int { return len(c.byID) }

// DefaultCatalog is the built-in catalog used when the config does not provide one.
func DefaultCatalog() Catalog {
	c, _ := NewCatalog([]CategoryPolicy{
		{ID: CategoryAcademic, Priority: kit.PriorityHigh, SoundProfile: "academic", VibrationPattern: []int{200, 100, 200}, RespectsQuietHours: true},
		{ID: CategoryAssignment, Priority: kit.PriorityMedium, SoundProfile: "assignment", VibrationPattern: []int{100, 50, 100}, RespectsQuietHours: true},
		{ID: CategoryEvaluation, Priority: kit.PriorityHigh, SoundProfile: "evaluation", VibrationPattern: []int{300, 100, 300}, RequiresInteraction: true, RespectsQuietHours: true},
		{ID: CategorySocial, Priority: kit.PriorityLow, SoundProfile: "social", VibrationPattern: []int{50}, RespectsQuietHours: true},
		{ID: CategoryAnnouncement, Priority: kit.PriorityMedium, SoundProfile: "announcement", VibrationPattern: []int{100, 100, 100}, RespectsQuietHours: true},
		{ID: CategoryCalendar, Priority: kit.PriorityMedium, SoundProfile: "calendar", VibrationPattern: []int{150, 75, 150}, RespectsQuietHours: true},
		{ID: CategorySystem, Priority: kit.PriorityCritical, SoundProfile: "system", VibrationPattern: []int{500, 200, 500}, RequiresInteraction: true, RespectsQuietHours: false},
	})
	return c
}

type catalogFile struct {
	Categories []CategoryPolicy `yaml:"categories"`
}

// ParseCatalogYAML reads a catalog document of the form `categories: [...]`.
func ParseCatalogYAML(b []byte) (Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Catalog{}, fmt.Errorf("catalog yaml: %w", err)
	}
	if len(f.Categories) == 0 {
		return Catalog{}, errors.New("catalog has no categories")
	}
	return NewCatalog(f.Categories)
}

func LoadCatalogFile(path string) (Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	return ParseCatalogYAML(b)
}
