/*
Copyright © 2018 the xcube authors.
This file is part of xcube.

xcube is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

xcube is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with xcube.  If not, see <http://www.gnu.org/licenses/>.
*/

package xcube

import (
	"fmt"
	"time"
)

// Attrs is a descriptive attribute mapping, global or per-variable.
type Attrs map[string]interface{}

// Copy returns a shallow copy of a.
func (a Attrs) Copy() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// attrTemplates are the built-in convention templates providing global
// attribute defaults. "acdd" follows the Attribute Convention for Data
// Discovery on top of the CF conventions.
var attrTemplates = map[string]Attrs{
	"acdd": {
		"Conventions":              "CF-1.7",
		"standard_name_vocabulary": "CF Standard Name Table v2.1",
		"coordinates":              "time y x",
	},
	"minimal": {},
}

// requiredAttrs are the identification fields that must be present
// after merging: their absence from both configuration and template is
// the one case where metadata composition fails rather than degrading.
var requiredAttrs = []string{"id", "naming_authority", "title"}

// ComposeMetadata assembles the global and per-variable attributes of a
// cube on grid g. Values merge with increasing precedence: convention
// template defaults, then values computed from the grid (spatial
// bounding box, temporal coverage), then user-supplied configuration.
// User values always win; computed values only fill gaps.
func ComposeMetadata(g *Grid, vars map[string]*Variable, cfg *MetadataConfig) (Attrs, map[string]Attrs, error) {
	name := cfg.Template
	if name == "" {
		name = "acdd"
	}
	template, ok := attrTemplates[name]
	if !ok {
		return nil, nil, newError(StageMetadata, InvalidRequest, "unknown metadata convention template %q", name)
	}

	global := template.Copy()
	for k, v := range computedAttrs(g) {
		global[k] = v
	}
	for k, v := range cfg.Attrs {
		global[k] = v
	}
	for _, k := range requiredAttrs {
		if _, ok := global[k]; !ok {
			return nil, nil, newError(StageMetadata, InvalidMetadataSchema,
				"required identification attribute %q is absent from both configuration and template %q", k, name)
		}
	}

	varAttrs := make(map[string]Attrs, len(vars))
	for vname, v := range vars {
		a := make(Attrs)
		for k, val := range v.Attrs {
			a[k] = val
		}
		for k, val := range cfg.VarAttrs[vname] {
			a[k] = val
		}
		varAttrs[vname] = a
	}
	return global, varAttrs, nil
}

// computedAttrs derives coverage attributes from the target grid.
func computedAttrs(g *Grid) Attrs {
	a := Attrs{}
	if g.SR != nil && g.SR.Name == "longlat" {
		a["geospatial_lon_min"] = g.Bounds.Min.X
		a["geospatial_lon_max"] = g.Bounds.Max.X
		a["geospatial_lat_min"] = g.Bounds.Min.Y
		a["geospatial_lat_max"] = g.Bounds.Max.Y
	} else {
		a["geospatial_bounds_crs"] = g.CRS
		a["geospatial_x_min"] = g.Bounds.Min.X
		a["geospatial_x_max"] = g.Bounds.Max.X
		a["geospatial_y_min"] = g.Bounds.Min.Y
		a["geospatial_y_max"] = g.Bounds.Max.Y
	}
	a["geospatial_resolution_x"] = g.Dx
	a["geospatial_resolution_y"] = g.Dy
	if n := g.NumTimes(); n > 0 {
		start, end := g.Times[0], g.Times[n-1]
		a["time_coverage_start"] = formatTime(start)
		a["time_coverage_end"] = formatTime(end)
		a["time_coverage_duration"] = isoDuration(start, end)
		if g.TimeStep > 0 {
			a["time_coverage_resolution"] = isoPeriod(g.TimeStep)
		}
	}
	return a
}

// formatTime renders timestamps as plain dates when they fall on UTC
// midnight, and as RFC 3339 otherwise.
func formatTime(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

// isoDuration renders the inclusive temporal coverage from start to end
// as an ISO 8601 duration. Whole calendar years and months are
// recognized; everything else is given in days or, below one day, in
// hours/minutes/seconds.
func isoDuration(start, end time.Time) string {
	for y := 1; ; y++ {
		next := start.AddDate(y, 0, 0)
		if next.After(end.Add(24 * time.Hour)) {
			break
		}
		if end.Before(next) || withinDay(next, end) {
			return fmt.Sprintf("P%dY", y)
		}
	}
	for m := 1; m <= 24; m++ {
		next := start.AddDate(0, m, 0)
		if end.Before(next) && withinDay(next, end) {
			return fmt.Sprintf("P%dM", m)
		}
	}
	d := end.Sub(start)
	if d < 24*time.Hour {
		return isoPeriod(d)
	}
	return fmt.Sprintf("P%dD", int(d.Hours()/24)+1)
}

// withinDay reports whether a and b are at most one day apart.
func withinDay(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= 24*time.Hour
}

// isoPeriod renders a duration as an ISO 8601 period.
func isoPeriod(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("P%dD", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("PT%dH", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("PT%dM", d/time.Minute)
	default:
		return fmt.Sprintf("PT%dS", int(d.Seconds()))
	}
}
