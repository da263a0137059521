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
	"log"
	"math"
)

const (
	// DefaultChunkBytes is the chunk byte size the planner aims for
	// when no explicit chunk sizes are configured.
	DefaultChunkBytes = 4 << 20

	// DefaultMaxChunkBytes is the memory ceiling for a single chunk
	// when none is configured.
	DefaultMaxChunkBytes = 64 << 20
)

// Chunks is the chunk shape of a cube, one length per dimension.
// Chunk boundaries align with the target grid, never with source
// tiling, so per-chunk computations are independent of each other.
type Chunks struct {
	T, Y, X int
}

// Sizes returns the chunk shape as a dimension-name map.
func (c Chunks) Sizes() map[string]int {
	return map[string]int{DimTime: c.T, DimY: c.Y, DimX: c.X}
}

// For returns the chunk lengths for the given variable dimensions.
func (c Chunks) For(dims []string) []int {
	out := make([]int, len(dims))
	for i, d := range dims {
		switch d {
		case DimTime:
			out[i] = c.T
		case DimY:
			out[i] = c.Y
		case DimX:
			out[i] = c.X
		default:
			out[i] = 1
		}
	}
	return out
}

// PlanChunks computes the chunk shape for a cube on grid g. Explicitly
// configured chunk lengths are validated and clamped to the dimension
// lengths (with a warning, not a failure). Derived defaults balance a
// chunk byte size near DefaultChunkBytes against the chunk count: the
// temporal dimension is chunked one step at a time (or in full when
// time-series access is configured) and the spatial dimensions are
// chunked together, proportionally to the grid aspect ratio. The chunk
// byte footprint never exceeds the configured ceiling.
func PlanChunks(g *Grid, elemSize int, cfg *CubeConfig) (Chunks, error) {
	ceiling := cfg.MaxChunkBytes
	if ceiling <= 0 {
		ceiling = DefaultMaxChunkBytes
	}
	if elemSize <= 0 {
		elemSize = 8
	}
	nt := g.NumTimes()
	if nt == 0 {
		nt = 1
	}

	c := Chunks{
		T: chunkDim(cfg.ChunkSizes, DimTime, nt),
		Y: chunkDim(cfg.ChunkSizes, DimY, g.Ny),
		X: chunkDim(cfg.ChunkSizes, DimX, g.Nx),
	}

	if c.T == 0 {
		if cfg.TimeSeriesAccess {
			c.T = nt
		} else {
			c.T = 1
		}
	}
	if c.Y == 0 || c.X == 0 {
		// Spatial cells per chunk that hit the target byte size.
		cells := float64(DefaultChunkBytes) / float64(elemSize*c.T)
		// Split proportionally so chunks keep the grid aspect ratio.
		aspect := float64(g.Nx) / float64(g.Ny)
		cy := int(math.Sqrt(cells / aspect))
		cx := int(math.Sqrt(cells * aspect))
		if c.Y == 0 {
			c.Y = clampChunk(cy, g.Ny)
		}
		if c.X == 0 {
			c.X = clampChunk(cx, g.Nx)
		}
	}

	// The ceiling binds even for explicitly configured chunks: shrink
	// the largest dimension until the footprint fits.
	for c.T*c.Y*c.X*elemSize > ceiling {
		switch {
		case c.T > 1:
			c.T = (c.T + 1) / 2
		case c.Y >= c.X && c.Y > 1:
			c.Y = (c.Y + 1) / 2
		case c.X > 1:
			c.X = (c.X + 1) / 2
		default:
			return Chunks{}, newError(StageChunk, InvalidRequest,
				"a single-element chunk (%d bytes) exceeds the %d-byte chunk memory ceiling", elemSize, ceiling)
		}
	}
	return c, nil
}

// chunkDim returns the validated explicit chunk length for dimension
// dim, or zero when none is configured.
func chunkDim(sizes map[string]int, dim string, n int) int {
	size, ok := sizes[dim]
	if !ok {
		return 0
	}
	if size <= 0 {
		log.Printf("xcube: ignoring non-positive chunk size %d for dimension %s", size, dim)
		return 0
	}
	if size > n {
		log.Printf("xcube: clamping chunk size %d to length %d of dimension %s", size, n, dim)
		return n
	}
	return size
}

func clampChunk(size, n int) int {
	if size < 1 {
		return 1
	}
	if size > n {
		return n
	}
	return size
}

// numChunks returns the number of chunks tiling a dimension of length n
// with chunk length c; the last chunk may be a remainder.
func numChunks(n, c int) int {
	if c <= 0 {
		return 1
	}
	return (n + c - 1) / c
}
