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

package input

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/ctessum/sparse"

	"github.com/dcs4cop/xcube"
	"github.com/dcs4cop/xcube/store"
)

// COARDS normalizes COARDS/CF-compliant NetCDF datasets (NetCDF 4 and
// greater not supported): regular latitude/longitude or projected x/y
// grids with an optional temporal axis. It is registered as the
// "default" input processor. Information regarding the COARDS NetCDF
// conventions is available here:
// https://ferret.pmel.noaa.gov/Ferret/documentation/coards-netcdf-conventions
type COARDS struct{}

// NewCOARDS returns a COARDS/CF NetCDF input processor.
func NewCOARDS() *COARDS { return &COARDS{} }

// Recognized coordinate variable names for each axis.
var (
	xNames    = []string{"lon", "longitude", "x"}
	yNames    = []string{"lat", "latitude", "y"}
	timeNames = []string{"time", "t"}
)

// Process normalizes the raw NetCDF dataset at path.
func (p *COARDS) Process(raw store.Object, path string, c *xcube.InputConfig) (*xcube.SourceDataset, error) {
	ff, err := cdf.Open(readNoWriter{raw})
	if err != nil {
		return nil, unsupported(path, "opening NetCDF: %v", err)
	}

	xName, xs, err := coordAxis(ff, xNames)
	if err != nil {
		return nil, unsupported(path, "%v", err)
	}
	yName, ys, err := coordAxis(ff, yNames)
	if err != nil {
		return nil, unsupported(path, "%v", err)
	}
	if len(xs) < 1 || len(ys) < 1 {
		return nil, unsupported(path, "empty horizontal axes")
	}
	// A descending latitude axis is flipped so that row 0 is always the
	// southernmost row.
	flipY := len(ys) > 1 && ys[1] < ys[0]
	if flipY {
		for i, j := 0, len(ys)-1; i < j; i, j = i+1, j-1 {
			ys[i], ys[j] = ys[j], ys[i]
		}
	}

	timeName, times, err := timeAxis(ff, path)
	if err != nil {
		return nil, err
	}

	src, err := xcube.NewSourceDataset(path, crsOf(ff), axisBounds(xs, ys), len(xs), len(ys), times)
	if err != nil {
		return nil, unsupported(path, "%v", err)
	}

	names := c.VariableNames
	if len(names) == 0 {
		names = dataVarNames(ff, xName, yName, timeName)
	}
	if len(names) == 0 {
		return nil, unsupported(path, "no data variables on the %s/%s grid", yName, xName)
	}
	for _, name := range names {
		v, err := readVar(ff, name, xName, yName, timeName, flipY, src)
		if err != nil {
			return nil, err
		}
		src.Vars[name] = v
	}
	return src, nil
}

func unsupported(path, format string, args ...interface{}) error {
	return &xcube.Error{
		Stage: xcube.StageInput,
		Kind:  xcube.UnsupportedFormat,
		Err:   fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...)),
	}
}

// coordAxis finds the first coordinate variable matching one of the
// candidate names and reads its values.
func coordAxis(ff *cdf.File, candidates []string) (string, []float64, error) {
	for _, name := range candidates {
		if dims := ff.Header.Lengths(name); len(dims) == 1 {
			vals, err := readFloats(ff, name)
			if err != nil {
				return "", nil, err
			}
			return name, vals, nil
		}
	}
	return "", nil, fmt.Errorf("no coordinate variable among %v", candidates)
}

// axisBounds derives the cell-edge extent from cell-center coordinates.
func axisBounds(xs, ys []float64) geom.Bounds {
	dx, dy := 1.0, 1.0
	if len(xs) > 1 {
		dx = (xs[len(xs)-1] - xs[0]) / float64(len(xs)-1)
	}
	if len(ys) > 1 {
		dy = (ys[len(ys)-1] - ys[0]) / float64(len(ys)-1)
	}
	return geom.Bounds{
		Min: geom.Point{X: xs[0] - dx/2, Y: ys[0] - dy/2},
		Max: geom.Point{X: xs[len(xs)-1] + dx/2, Y: ys[len(ys)-1] + dy/2},
	}
}

// crsOf returns the dataset's Proj4 CRS definition, taken from a global
// "proj4" or "crs" attribute when present and defaulting to geographic
// coordinates per the COARDS convention.
func crsOf(ff *cdf.File) string {
	for _, a := range []string{"proj4", "crs"} {
		if s, ok := ff.Header.GetAttribute("", a).(string); ok && strings.HasPrefix(s, "+") {
			return s
		}
	}
	return "+proj=longlat"
}

// timeAxis reads the temporal coordinate variable, interpreting its
// COARDS units attribute ("<unit> since <epoch>").
func timeAxis(ff *cdf.File, path string) (string, []time.Time, error) {
	for _, name := range timeNames {
		if dims := ff.Header.Lengths(name); len(dims) != 1 {
			continue
		}
		vals, err := readFloats(ff, name)
		if err != nil {
			return "", nil, unsupported(path, "%v", err)
		}
		units, _ := ff.Header.GetAttribute(name, "units").(string)
		step, epoch, err := parseTimeUnits(units)
		if err != nil {
			return "", nil, unsupported(path, "time axis: %v", err)
		}
		times := make([]time.Time, len(vals))
		for i, v := range vals {
			times[i] = epoch.Add(time.Duration(v * float64(step)))
		}
		return name, times, nil
	}
	return "", nil, nil // a purely spatial dataset
}

// parseTimeUnits interprets a COARDS time units string such as
// "days since 2017-01-01 00:00:00".
func parseTimeUnits(units string) (time.Duration, time.Time, error) {
	parts := strings.SplitN(units, " since ", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, fmt.Errorf("cannot interpret units %q", units)
	}
	var step time.Duration
	switch strings.TrimSpace(parts[0]) {
	case "seconds", "second", "s":
		step = time.Second
	case "minutes", "minute", "min":
		step = time.Minute
	case "hours", "hour", "h":
		step = time.Hour
	case "days", "day", "d":
		step = 24 * time.Hour
	default:
		return 0, time.Time{}, fmt.Errorf("unsupported time unit %q", parts[0])
	}
	epochStr := strings.TrimSpace(parts[1])
	for _, layout := range []string{
		"2006-01-02 15:04:05", "2006-01-02T15:04:05Z", "2006-01-02",
	} {
		if epoch, err := time.Parse(layout, epochStr); err == nil {
			return step, epoch.UTC(), nil
		}
	}
	return 0, time.Time{}, fmt.Errorf("cannot interpret epoch %q", epochStr)
}

// dataVarNames lists the variables laid out on the horizontal grid,
// excluding the coordinate variables themselves.
func dataVarNames(ff *cdf.File, xName, yName, timeName string) []string {
	var names []string
	for _, name := range ff.Header.Variables() {
		if name == xName || name == yName || name == timeName {
			continue
		}
		dims := ff.Header.Dimensions(name)
		if len(dims) >= 2 && dims[len(dims)-1] == xName && dims[len(dims)-2] == yName {
			names = append(names, name)
		}
	}
	return names
}

// readVar reads one data variable, converting it to float64 with
// fill values replaced by NaN, and normalizing its dimensions to
// (time, y, x) or (y, x).
func readVar(ff *cdf.File, name, xName, yName, timeName string, flipY bool, src *xcube.SourceDataset) (*xcube.Variable, error) {
	dims := ff.Header.Dimensions(name)
	if len(dims) == 0 {
		return nil, &xcube.Error{
			Stage: xcube.StageInput,
			Kind:  xcube.MissingVariable,
			Err:   fmt.Errorf("%s: variable %s not in file", src.Name, name),
		}
	}
	if len(dims) < 2 || dims[len(dims)-1] != xName || dims[len(dims)-2] != yName {
		return nil, unsupported(src.Name, "variable %s is not on the %s/%s grid (dimensions %v)", name, yName, xName, dims)
	}
	hasTime := len(dims) == 3 && dims[0] == timeName
	if len(dims) == 3 && !hasTime || len(dims) > 3 {
		return nil, unsupported(src.Name, "variable %s has unsupported dimensions %v", name, dims)
	}

	vals, dtype, err := readValues(ff, name)
	if err != nil {
		return nil, unsupported(src.Name, "%v", err)
	}
	fill, hasFill := fillValue(ff, name)

	outDims := []string{xcube.DimY, xcube.DimX}
	shape := []int{src.Ny, src.Nx}
	if hasTime {
		outDims = []string{xcube.DimTime, xcube.DimY, xcube.DimX}
		shape = []int{len(src.Times), src.Ny, src.Nx}
	}
	data := sparse.ZerosDense(shape...)
	if len(vals) != len(data.Elements) {
		return nil, unsupported(src.Name, "variable %s has %d values, want %d", name, len(vals), len(data.Elements))
	}
	ny, nx := src.Ny, src.Nx
	for i, val := range vals {
		if hasFill && val == fill {
			val = math.NaN()
		}
		j := i
		if flipY {
			row := (i / nx) % ny
			j = i + (ny-1-2*row)*nx
		}
		data.Elements[j] = val
	}

	attrs := make(map[string]interface{})
	for _, a := range ff.Header.Attributes(name) {
		attrs[a] = attrScalar(ff.Header.GetAttribute(name, a))
	}
	_, categorical := attrs["flag_values"]
	if err := src.AddVariable(name, outDims, dtype, data, attrs); err != nil {
		return nil, unsupported(src.Name, "%v", err)
	}
	v := src.Vars[name]
	v.Categorical = categorical
	return v, nil
}

// readFloats reads a full variable as float64 values.
func readFloats(ff *cdf.File, name string) ([]float64, error) {
	vals, _, err := readValues(ff, name)
	return vals, err
}

// readValues reads a full variable, converting its values to float64
// and reporting the storage dtype.
func readValues(ff *cdf.File, name string) ([]float64, xcube.Dtype, error) {
	n := 1
	for _, l := range ff.Header.Lengths(name) {
		n *= l
	}
	r := ff.Reader(name, nil, nil)
	buf := r.Zero(n)
	// The cdf reader reports io.EOF once the last element has been
	// read; that is a complete read.
	if _, err := r.Read(buf); err != nil && err != io.EOF {
		return nil, "", fmt.Errorf("reading variable %s: %v", name, err)
	}
	switch b := buf.(type) {
	case []float64:
		return b, xcube.Float64, nil
	case []float32:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, xcube.Float32, nil
	case []int32:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, xcube.Int32, nil
	case []int16:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, xcube.Int32, nil
	case []uint8:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, xcube.Uint8, nil
	default:
		return nil, "", fmt.Errorf("variable %s has unsupported type %T", name, buf)
	}
}

// fillValue returns the variable's declared fill value, if any.
func fillValue(ff *cdf.File, name string) (float64, bool) {
	for _, a := range []string{"_FillValue", "missing_value"} {
		switch v := ff.Header.GetAttribute(name, a).(type) {
		case []float64:
			if len(v) > 0 {
				return v[0], true
			}
		case []float32:
			if len(v) > 0 {
				return float64(v[0]), true
			}
		case []int32:
			if len(v) > 0 {
				return float64(v[0]), true
			}
		case []int16:
			if len(v) > 0 {
				return float64(v[0]), true
			}
		case []uint8:
			if len(v) > 0 {
				return float64(v[0]), true
			}
		}
	}
	return 0, false
}

// attrScalar unwraps single-element attribute values, leaving strings
// and multi-element values as they are.
func attrScalar(val interface{}) interface{} {
	switch v := val.(type) {
	case []float64:
		if len(v) == 1 {
			return v[0]
		}
	case []float32:
		if len(v) == 1 {
			return float64(v[0])
		}
	case []int32:
		if len(v) == 1 {
			return int(v[0])
		}
	case []int16:
		if len(v) == 1 {
			return int(v[0])
		}
	}
	return val
}
