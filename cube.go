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
	"sort"
	"time"

	"github.com/ctessum/geom"
)

// Cube is a generated data cube: a set of chunked, labeled arrays
// sharing the target grid's dimensions, plus global and per-variable
// descriptive attributes. Every variable shares the same horizontal and
// temporal dimension lengths. In a cube produced by a dry run the
// variable Data arrays are nil; shapes, dtypes, chunking and metadata
// are identical to the materialized result.
type Cube struct {
	Grid   *Grid
	Chunks Chunks

	Vars     map[string]*Variable
	Attrs    Attrs
	VarAttrs map[string]Attrs
}

// VarNames returns the cube's variable names in sorted order.
func (c *Cube) VarNames() []string {
	names := make([]string, 0, len(c.Vars))
	for n := range c.Vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// VarInfo summarizes one cube variable.
type VarInfo struct {
	Name   string
	Dtype  Dtype
	Dims   []string
	Shape  []int
	Chunks []int
}

// Info is a lightweight cube summary, producible without materializing
// any variable data.
type Info struct {
	Vars []VarInfo

	// Bounds is the spatial bounding box in the cube CRS.
	Bounds geom.Bounds
	CRS    string

	// Dims maps dimension names to lengths.
	Dims map[string]int

	// ChunkSizes maps dimension names to chunk lengths.
	ChunkSizes map[string]int

	TimeStart, TimeEnd time.Time

	// SizeBytes is the estimated uncompressed size of all variable
	// data.
	SizeBytes int64

	Attrs Attrs
}

// Info summarizes the cube without touching its variable data.
func (c *Cube) Info() *Info {
	g := c.Grid
	info := &Info{
		Bounds:     g.Bounds,
		CRS:        g.CRS,
		Dims:       map[string]int{DimY: g.Ny, DimX: g.Nx},
		ChunkSizes: map[string]int{DimY: c.Chunks.Y, DimX: c.Chunks.X},
		Attrs:      c.Attrs,
	}
	if n := g.NumTimes(); n > 0 {
		info.Dims[DimTime] = n
		info.ChunkSizes[DimTime] = c.Chunks.T
		info.TimeStart = g.Times[0]
		info.TimeEnd = g.Times[n-1]
	}
	for _, name := range c.VarNames() {
		v := c.Vars[name]
		shape := make([]int, len(v.Dims))
		n := int64(1)
		for i, d := range v.Dims {
			shape[i] = info.Dims[d]
			n *= int64(info.Dims[d])
		}
		info.Vars = append(info.Vars, VarInfo{
			Name:   name,
			Dtype:  v.Dtype,
			Dims:   v.Dims,
			Shape:  shape,
			Chunks: c.Chunks.For(v.Dims),
		})
		info.SizeBytes += n * int64(v.Dtype.Size())
	}
	return info
}

// Reference identifies a written cube so that a caller can re-open it
// through the data store it was written to.
type Reference struct {
	// Store is the data store identifier from the request's output
	// configuration.
	Store string

	// Path is the dataset path within the store.
	Path string

	// DataID is a deterministic identifier derived from the request.
	DataID string
}
