package policy

import (
	"fmt"
	"time"

	kit "campusnotify/internal/transport"
)

// CategoryPreference is a user's override for one category.
type CategoryPreference struct {
	Enabled  bool          `json:"enabled"`
	Priority *kit.Priority `json:"priority,omitempty"`
}

// UserPreferences is the fixed-shape preference record of one user.
type UserPreferences struct {
	Enabled                   bool                          `json:"enabled"`
	PerCategory               map[string]CategoryPreference `json:"per_category"`
	QuietHours                QuietHours                    `json:"quiet_hours"`
	AdaptiveSchedulingEnabled bool                          `json:"adaptive_scheduling_enabled"`
	// Timezone is an IANA zone name; empty means the service default.
	Timezone string `json:"timezone,omitempty"`
}

// DefaultPreferences enables every category in the catalog except system, with quiet
// hours 22:00-07:00 every day and adaptive scheduling on.
func DefaultPreferences(c Catalog) UserPreferences {
	p := UserPreferences{
		Enabled:     true,
		PerCategory: make(map[string]CategoryPreference, c.Len()),
		QuietHours: QuietHours{
			Enabled:      true,
			Start:        NewClock(22, 0),
			End:          NewClock(7, 0),
			WeekendsAlso: true,
		},
		AdaptiveSchedulingEnabled: true,
	}
	for _, id := range c.IDs() {
		p.PerCategory[id] = CategoryPreference{Enabled: id != CategorySystem}
	}
	return p
}

// CategoryEnabled reports whether notifications of the category may be delivered.
// Categories the user has never seen follow the defaults.
func (p UserPreferences) CategoryEnabled(id string) bool {
	if !p.Enabled {
		return false
	}
	if cp, ok := p.PerCategory[id]; ok {
		return cp.Enabled
	}
	return id != CategorySystem
}

// PriorityFor returns the user's priority override for the category, or def.
func (p UserPreferences) PriorityFor(id string, def kit.Priority) kit.Priority {
	if cp, ok := p.PerCategory[id]; ok && cp.Priority != nil {
		return *cp.Priority
	}
	return def
}

// Location resolves the preference timezone, falling back to def.
func (p UserPreferences) Location(def *time.Location) *time.Location {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	if def == nil {
		return time.Local
	}
	return def
}

func (p UserPreferences) clone() UserPreferences {
	cp := p
	cp.PerCategory = make(map[string]CategoryPreference, len(p.PerCategory))
	for k, v := range p.PerCategory {
		if v.Priority != nil {
			pr := *v.Priority
			v.Priority = &pr
		}
		cp.PerCategory[k] = v
	}
	return cp
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Enabled                   *bool                    `json:"enabled,omitempty"`
	PerCategory               map[string]CategoryPatch `json:"per_category,omitempty"`
	QuietHours                *QuietHoursPatch         `json:"quiet_hours,omitempty"`
	AdaptiveSchedulingEnabled *bool                    `json:"adaptive_scheduling_enabled,omitempty"`
	Timezone                  *string                  `json:"timezone,omitempty"`
}

type CategoryPatch struct {
	Enabled  *bool         `json:"enabled,omitempty"`
	Priority *kit.Priority `json:"priority,omitempty"`
}

type QuietHoursPatch struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Start        *Clock `json:"start,omitempty"`
	End          *Clock `json:"end,omitempty"`
	WeekendsAlso *bool  `json:"weekends_also,omitempty"`
}

func (p Patch) Validate() error {
	if p.Timezone != nil && *p.Timezone != "" {
		if _, err := time.LoadLocation(*p.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", *p.Timezone, err)
		}
	}
	return nil
}

// Merge applies patch on a copy of p.
func (p UserPreferences) Merge(patch Patch) UserPreferences {
	out := p.clone()
	if patch.Enabled != nil {
		out.Enabled = *patch.Enabled
	}
	for id, cp := range patch.PerCategory {
		cur, ok := out.PerCategory[id]
		if !ok {
			cur = CategoryPreference{Enabled: id != CategorySystem}
		}
		if cp.Enabled != nil {
			cur.Enabled = *cp.Enabled
		}
		if cp.Priority != nil {
			pr := *cp.Priority
			cur.Priority = &pr
		}
		out.PerCategory[id] = cur
	}
	if q := patch.QuietHours; q != nil {
		if q.Enabled != nil {
			out.QuietHours.Enabled = *q.Enabled
		}
		if q.Start != nil {
			out.QuietHours.Start = *q.Start
		}
		if q.End != nil {
			out.QuietHours.End = *q.End
		}
		if q.WeekendsAlso != nil {
			out.QuietHours.WeekendsAlso = *q.WeekendsAlso
		}
	}
	if patch.AdaptiveSchedulingEnabled != nil {
		out.AdaptiveSchedulingEnabled = *patch.AdaptiveSchedulingEnabled
	}
	if patch.Timezone != nil {
		out.Timezone = *patch.Timezone
	}
	return out
}
