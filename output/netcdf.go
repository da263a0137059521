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

package output

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/ctessum/cdf"

	"github.com/dcs4cop/xcube"
	"github.com/dcs4cop/xcube/store"
)

// NetCDF writes cubes as single NetCDF-3 (classic format) objects.
// The format stores each variable contiguously, so the cube's chunk
// plan does not survive the round trip; Describe reports whole-array
// chunks accordingly.
type NetCDF struct{}

// NewNetCDF returns a NetCDF output writer.
func NewNetCDF() *NetCDF { return &NetCDF{} }

// Describe summarizes the cube as it would be written. Chunk sizes are
// reported as the full dimension lengths.
func (n *NetCDF) Describe(cube *xcube.Cube) (*xcube.Info, error) {
	info := cube.Info()
	for d, l := range info.Dims {
		info.ChunkSizes[d] = l
	}
	for i := range info.Vars {
		info.Vars[i].Chunks = info.Vars[i].Shape
	}
	return info, nil
}

// Write serializes the cube to a single object at targetPath in s. The
// file is assembled in memory, written under a temporary key and moved
// onto the target once complete.
func (n *NetCDF) Write(ctx context.Context, cube *xcube.Cube, s store.Store, targetPath string, c *xcube.OutputConfig) error {
	tmp, err := prepareTarget(ctx, s, targetPath, c.Overwrite)
	if err != nil {
		return err
	}
	data, err := n.encode(cube)
	if err != nil {
		return partialWrite(err)
	}
	if err := ctx.Err(); err != nil {
		return partialWrite(err)
	}
	if err := putBytes(ctx, s, tmp, data); err != nil {
		abortTarget(ctx, s, tmp)
		return partialWrite(err)
	}
	return commitTarget(ctx, s, tmp, targetPath, c.Overwrite)
}

func (n *NetCDF) encode(cube *xcube.Cube) ([]byte, error) {
	g := cube.Grid
	dims := []string{xcube.DimY, xcube.DimX}
	lengths := []int{g.Ny, g.Nx}
	if g.NumTimes() > 0 {
		dims = append([]string{xcube.DimTime}, dims...)
		lengths = append([]int{g.NumTimes()}, lengths...)
	}
	h := cdf.NewHeader(dims, lengths)

	h.AddVariable(xcube.DimX, []string{xcube.DimX}, []float64{0})
	h.AddVariable(xcube.DimY, []string{xcube.DimY}, []float64{0})
	if g.NumTimes() > 0 {
		h.AddVariable(xcube.DimTime, []string{xcube.DimTime}, []float64{0})
		h.AddAttribute(xcube.DimTime, "units", "seconds since 1970-01-01T00:00:00Z")
		h.AddAttribute(xcube.DimTime, "calendar", "proleptic_gregorian")
	}

	names := cube.VarNames()
	for _, name := range names {
		v := cube.Vars[name]
		h.AddVariable(name, v.Dims, ncSample(v.Dtype))
		attrs := make(map[string]interface{})
		for k, av := range v.Attrs {
			attrs[k] = av
		}
		for k, av := range cube.VarAttrs[name] {
			attrs[k] = av
		}
		for _, k := range sortedKeys(attrs) {
			if val, ok := ncAttrValue(attrs[k]); ok {
				h.AddAttribute(name, k, val)
			}
		}
		if v.Dtype == xcube.Float64 || v.Dtype == xcube.Float32 {
			if _, ok := attrs["_FillValue"]; !ok {
				h.AddAttribute(name, "_FillValue", ncFill(v.Dtype))
			}
		}
	}
	for _, k := range sortedKeys(cube.Attrs) {
		if val, ok := ncAttrValue(cube.Attrs[k]); ok {
			h.AddAttribute("", k, val)
		}
	}

	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid NetCDF header: %v", errs[0])
	}

	buf := new(memFile)
	ff, err := cdf.Create(buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating NetCDF file: %w", err)
	}

	xs := make([]float64, g.Nx)
	for i := range xs {
		xs[i], _ = g.CellCenter(i, 0)
	}
	ys := make([]float64, g.Ny)
	for i := range ys {
		_, ys[i] = g.CellCenter(0, i)
	}
	if err := ncWrite(ff, xcube.DimX, xs); err != nil {
		return nil, err
	}
	if err := ncWrite(ff, xcube.DimY, ys); err != nil {
		return nil, err
	}
	if g.NumTimes() > 0 {
		ts := make([]float64, g.NumTimes())
		for i, t := range g.Times {
			ts[i] = float64(t.Unix())
		}
		if err := ncWrite(ff, xcube.DimTime, ts); err != nil {
			return nil, err
		}
	}
	for _, name := range names {
		v := cube.Vars[name]
		if err := ncWrite(ff, name, ncValues(v)); err != nil {
			return nil, err
		}
	}
	return buf.buf, nil
}

// ncWrite writes a full variable. The cdf writer reports io.EOF once
// the last element of a fixed-size variable has been written; that is a
// complete write, not a failure.
func ncWrite(ff *cdf.File, name string, values interface{}) error {
	w := ff.Writer(name, nil, nil)
	if _, err := w.Write(values); err != nil && err != io.EOF {
		return fmt.Errorf("writing variable %s: %w", name, err)
	}
	return nil
}

// ncSample returns a typed sample slice selecting the NetCDF storage
// type for a dtype.
func ncSample(dt xcube.Dtype) interface{} {
	switch dt {
	case xcube.Float32:
		return []float32{0}
	case xcube.Int32:
		return []int32{0}
	case xcube.Uint8:
		return []uint8{0}
	default:
		return []float64{0}
	}
}

// ncFill returns the fill value attribute for a floating dtype.
func ncFill(dt xcube.Dtype) interface{} {
	if dt == xcube.Float32 {
		return []float32{float32(math.NaN())}
	}
	return []float64{math.NaN()}
}

// ncValues converts a variable's data to the typed slice its storage
// type requires. NaN maps to zero for integer dtypes.
func ncValues(v *xcube.Variable) interface{} {
	el := v.Data.Elements
	switch v.Dtype {
	case xcube.Float32:
		out := make([]float32, len(el))
		for i, val := range el {
			out[i] = float32(val)
		}
		return out
	case xcube.Int32:
		out := make([]int32, len(el))
		for i, val := range el {
			if !math.IsNaN(val) {
				out[i] = int32(val)
			}
		}
		return out
	case xcube.Uint8:
		out := make([]uint8, len(el))
		for i, val := range el {
			if !math.IsNaN(val) {
				out[i] = uint8(val)
			}
		}
		return out
	default:
		out := make([]float64, len(el))
		copy(out, el)
		return out
	}
}

// ncAttrValue converts an attribute value to a type the format can
// store. Unconvertible values are skipped rather than failing the
// write.
func ncAttrValue(val interface{}) (interface{}, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case float64:
		return []float64{v}, true
	case float32:
		return []float32{v}, true
	case int:
		return []int32{int32(v)}, true
	case int32:
		return []int32{v}, true
	case []float64:
		return v, true
	case []float32:
		return v, true
	case []int32:
		return v, true
	case []uint8:
		return v, true
	case []int16:
		return v, true
	default:
		return nil, false
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// memFile is an in-memory ReaderWriterAt the NetCDF encoder assembles
// the file in before it is stored as a single object.
type memFile struct {
	buf []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if end := off + int64(len(p)); end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[off:], p)
	return len(p), nil
}
