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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"

	"github.com/dcs4cop/xcube"
	"github.com/dcs4cop/xcube/store"
)

// Zarr writes cubes in the zarr v2 directory layout: a group key
// holding .zgroup and .zattrs objects, one subtree per variable holding
// a .zarray descriptor and raw uncompressed chunk objects keyed by
// their chunk indices ("2.0.1"), and one single-chunk array per
// coordinate. Chunk objects are laid out C-order little-endian, so a
// chunk can be served to a remote reader without any recoding.
type Zarr struct{}

// NewZarr returns a zarr output writer.
func NewZarr() *Zarr { return &Zarr{} }

// Describe summarizes the cube as it would be written.
func (z *Zarr) Describe(cube *xcube.Cube) (*xcube.Info, error) {
	return cube.Info(), nil
}

// Write serializes the cube below targetPath in s.
func (z *Zarr) Write(ctx context.Context, cube *xcube.Cube, s store.Store, targetPath string, c *xcube.OutputConfig) error {
	tmp, err := prepareTarget(ctx, s, targetPath, c.Overwrite)
	if err != nil {
		return err
	}
	if err := z.writeTo(ctx, cube, s, tmp); err != nil {
		abortTarget(ctx, s, tmp)
		return partialWrite(err)
	}
	return commitTarget(ctx, s, tmp, targetPath, c.Overwrite)
}

// zarray is the zarr v2 array descriptor stored as <var>/.zarray.
type zarray struct {
	Chunks     []int       `json:"chunks"`
	Compressor interface{} `json:"compressor"`
	Dtype      string      `json:"dtype"`
	FillValue  interface{} `json:"fill_value"`
	Filters    interface{} `json:"filters"`
	Order      string      `json:"order"`
	Shape      []int       `json:"shape"`
	ZarrFormat int         `json:"zarr_format"`
}

func (z *Zarr) writeTo(ctx context.Context, cube *xcube.Cube, s store.Store, prefix string) error {
	if err := putJSON(ctx, s, prefix+"/.zgroup", map[string]int{"zarr_format": 2}); err != nil {
		return err
	}
	attrs := cube.Attrs
	if attrs == nil {
		attrs = xcube.Attrs{}
	}
	if err := putJSON(ctx, s, prefix+"/.zattrs", attrs); err != nil {
		return err
	}
	if err := z.writeCoords(ctx, cube, s, prefix); err != nil {
		return err
	}
	for _, name := range cube.VarNames() {
		if err := z.writeVarMeta(ctx, cube, s, prefix, name); err != nil {
			return err
		}
	}
	return z.writeChunks(ctx, cube, s, prefix)
}

// writeCoords writes the coordinate arrays labeling the cube's
// dimensions. Times are stored as seconds since the Unix epoch.
func (z *Zarr) writeCoords(ctx context.Context, cube *xcube.Cube, s store.Store, prefix string) error {
	g := cube.Grid
	geographic := strings.Contains(g.CRS, "+proj=longlat")

	xs := make([]float64, g.Nx)
	for i := range xs {
		xs[i], _ = g.CellCenter(i, 0)
	}
	xAttrs := map[string]interface{}{"standard_name": "projection_x_coordinate"}
	if geographic {
		xAttrs = map[string]interface{}{"standard_name": "longitude", "units": "degrees_east"}
	}
	if err := z.writeCoord(ctx, s, prefix, xcube.DimX, xs, xAttrs); err != nil {
		return err
	}

	ys := make([]float64, g.Ny)
	for i := range ys {
		_, ys[i] = g.CellCenter(0, i)
	}
	yAttrs := map[string]interface{}{"standard_name": "projection_y_coordinate"}
	if geographic {
		yAttrs = map[string]interface{}{"standard_name": "latitude", "units": "degrees_north"}
	}
	if err := z.writeCoord(ctx, s, prefix, xcube.DimY, ys, yAttrs); err != nil {
		return err
	}

	if g.NumTimes() == 0 {
		return nil
	}
	ts := make([]float64, g.NumTimes())
	for i, t := range g.Times {
		ts[i] = float64(t.Unix())
	}
	return z.writeCoord(ctx, s, prefix, xcube.DimTime, ts, map[string]interface{}{
		"standard_name": "time",
		"units":         "seconds since 1970-01-01T00:00:00Z",
		"calendar":      "proleptic_gregorian",
	})
}

// writeCoord writes a one-dimensional float64 coordinate array as a
// single chunk.
func (z *Zarr) writeCoord(ctx context.Context, s store.Store, prefix, name string, vals []float64, attrs map[string]interface{}) error {
	meta := zarray{
		Chunks:     []int{len(vals)},
		Dtype:      "<f8",
		FillValue:  "NaN",
		Order:      "C",
		Shape:      []int{len(vals)},
		ZarrFormat: 2,
	}
	if err := putJSON(ctx, s, prefix+"/"+name+"/.zarray", meta); err != nil {
		return err
	}
	za := map[string]interface{}{"_ARRAY_DIMENSIONS": []string{name}}
	for k, v := range attrs {
		za[k] = v
	}
	if err := putJSON(ctx, s, prefix+"/"+name+"/.zattrs", za); err != nil {
		return err
	}
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return putBytes(ctx, s, prefix+"/"+name+"/0", buf)
}

func (z *Zarr) writeVarMeta(ctx context.Context, cube *xcube.Cube, s store.Store, prefix, name string) error {
	v := cube.Vars[name]
	info := cube.Info()
	shape := make([]int, len(v.Dims))
	for i, d := range v.Dims {
		shape[i] = info.Dims[d]
	}
	meta := zarray{
		Chunks:     cube.Chunks.For(v.Dims),
		Dtype:      zarrDtype(v.Dtype),
		FillValue:  zarrFill(v.Dtype),
		Order:      "C",
		Shape:      shape,
		ZarrFormat: 2,
	}
	if err := putJSON(ctx, s, prefix+"/"+name+"/.zarray", meta); err != nil {
		return err
	}
	attrs := map[string]interface{}{"_ARRAY_DIMENSIONS": v.Dims}
	for k, av := range v.Attrs {
		attrs[k] = av
	}
	for k, av := range cube.VarAttrs[name] {
		attrs[k] = av
	}
	return putJSON(ctx, s, prefix+"/"+name+"/.zattrs", attrs)
}

// zarrChunk identifies one chunk of one variable.
type zarrChunk struct {
	name       string
	it, iy, ix int
}

// writeChunks writes the chunk objects of all variables, splitting the
// work across GOMAXPROCS goroutines. Chunks are independent of each
// other, so the first error aborts the remaining work without leaving
// the dataset in an inconsistent state worse than "incomplete".
func (z *Zarr) writeChunks(ctx context.Context, cube *xcube.Cube, s store.Store, prefix string) error {
	var jobs []zarrChunk
	for _, name := range cube.VarNames() {
		v := cube.Vars[name]
		nt := 1
		if v.HasTime() {
			nt = cube.Grid.NumTimes()
		}
		ch := cube.Chunks
		for it := 0; it*ch.T < nt; it++ {
			for iy := 0; iy*ch.Y < cube.Grid.Ny; iy++ {
				for ix := 0; ix*ch.X < cube.Grid.Nx; ix++ {
					jobs = append(jobs, zarrChunk{name, it, iy, ix})
				}
			}
		}
	}

	jobCh := make(chan zarrChunk, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	nprocs := runtime.GOMAXPROCS(0)
	errCh := make(chan error, nprocs)
	for p := 0; p < nprocs; p++ {
		go func() {
			for job := range jobCh {
				if err := ctx.Err(); err != nil {
					errCh <- err
					return
				}
				v := cube.Vars[job.name]
				key := prefix + "/" + job.name + "/" + chunkKey(v, job)
				if err := putBytes(ctx, s, key, encodeChunk(cube, v, job)); err != nil {
					// Drain the queue so the other workers stop early.
					for range jobCh {
					}
					errCh <- fmt.Errorf("chunk %s: %w", key, err)
					return
				}
			}
			errCh <- nil
		}()
	}
	var firstErr error
	for p := 0; p < nprocs; p++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// chunkKey returns the dot-separated chunk index key.
func chunkKey(v *xcube.Variable, c zarrChunk) string {
	parts := []string{strconv.Itoa(c.iy), strconv.Itoa(c.ix)}
	if v.HasTime() {
		parts = append([]string{strconv.Itoa(c.it)}, parts...)
	}
	return strings.Join(parts, ".")
}

// encodeChunk serializes one chunk in C order. Edge chunks are padded
// to the full chunk shape with the fill value, as the zarr format
// requires.
func encodeChunk(cube *xcube.Cube, v *xcube.Variable, c zarrChunk) []byte {
	g := cube.Grid
	ch := cube.Chunks
	nt := 1
	ct := 1
	if v.HasTime() {
		nt = g.NumTimes()
		ct = ch.T
	}
	size := v.Dtype.Size()
	buf := make([]byte, ct*ch.Y*ch.X*size)
	off := 0
	for tt := 0; tt < ct; tt++ {
		t := c.it*ct + tt
		for yy := 0; yy < ch.Y; yy++ {
			y := c.iy*ch.Y + yy
			for xx := 0; xx < ch.X; xx++ {
				x := c.ix*ch.X + xx
				val := math.NaN()
				if t < nt && y < g.Ny && x < g.Nx {
					i := (t*g.Ny+y)*g.Nx + x
					if !v.HasTime() {
						i = y*g.Nx + x
					}
					val = v.Data.Elements[i]
				}
				off = putValue(buf, off, v.Dtype, val)
			}
		}
	}
	return buf
}

// putValue encodes one element little-endian at buf[off:], returning
// the next offset. NaN maps to zero for integer dtypes, which have no
// missing-value representation of their own.
func putValue(buf []byte, off int, dt xcube.Dtype, val float64) int {
	switch dt {
	case xcube.Float32:
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(val)))
		return off + 4
	case xcube.Int32:
		var i int32
		if !math.IsNaN(val) {
			i = int32(val)
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(i))
		return off + 4
	case xcube.Uint8:
		var b uint8
		if !math.IsNaN(val) {
			b = uint8(val)
		}
		buf[off] = b
		return off + 1
	default:
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(val))
		return off + 8
	}
}

// zarrDtype returns the zarr v2 dtype descriptor.
func zarrDtype(dt xcube.Dtype) string {
	switch dt {
	case xcube.Float32:
		return "<f4"
	case xcube.Int32:
		return "<i4"
	case xcube.Uint8:
		return "|u1"
	default:
		return "<f8"
	}
}

// zarrFill returns the JSON fill value for the dtype.
func zarrFill(dt xcube.Dtype) interface{} {
	switch dt {
	case xcube.Int32, xcube.Uint8:
		return 0
	default:
		return "NaN"
	}
}

func putJSON(ctx context.Context, s store.Store, key string, val interface{}) error {
	data, err := json.MarshalIndent(val, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return putBytes(ctx, s, key, data)
}
