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
	"time"

	"github.com/ctessum/geom"
)

// InputConfig identifies one input to cube generation: a path within a
// registered data store, interpreted by a named input processor.
type InputConfig struct {
	// Store is the identifier of a registered data store.
	Store string

	// Path is the dataset path within the store. It may be a glob
	// pattern, in which case every matching dataset is opened as a
	// separate input.
	Path string

	// Processor names the input processor that normalizes the raw
	// dataset. An empty name selects "default".
	Processor string

	// VariableNames optionally restricts which variables are taken from
	// this input. Empty means all.
	VariableNames []string
}

// OutputConfig identifies where and how the generated cube is written.
type OutputConfig struct {
	// Store is the identifier of a registered data store.
	Store string

	// Path is the target dataset path within the store.
	Path string

	// Writer names the output writer serializing the cube. An empty
	// name selects "zarr".
	Writer string

	// Overwrite allows replacing existing data at Path. Without it,
	// writing to an occupied path fails with a write conflict.
	Overwrite bool

	// Params holds writer-specific parameters.
	Params map[string]interface{}
}

// CubeConfig describes the target grid, chunking and resampling of the
// cube to be generated. Unset fields are derived from the inputs.
type CubeConfig struct {
	// CRS is the Proj4 definition of the target coordinate reference
	// system. An empty CRS defaults to the common CRS of the inputs;
	// if the inputs disagree and no CRS is configured here, grid
	// resolution fails.
	CRS string

	// Bounds is the target spatial extent in the target CRS. Nil means
	// the union of the input extents.
	Bounds *geom.Bounds

	// Width and Height are the explicit horizontal pixel counts. If
	// zero, they are computed from Bounds and Resolution.
	Width, Height int

	// Resolution is the target cell size in CRS units, used when Width
	// and Height are zero. If also zero, the finest input resolution
	// is used.
	Resolution float64

	// TimeStart and TimeEnd bound the temporal extent. Zero values
	// default to the union of the input time ranges.
	TimeStart, TimeEnd time.Time

	// TimeStep is the cube's temporal sampling interval. If zero, it
	// defaults to the coarsest input sampling observed; oversampling
	// the inputs would fabricate data. A negative TimeStep requests an
	// irregular axis preserving the original input timestamps.
	TimeStep time.Duration

	// Method is the spatial resampling method for continuous
	// variables. Categorical variables always use nearest-neighbor.
	Method ResampleMethod

	// CategoricalAgg is the temporal aggregation policy for
	// categorical variables when several source timestamps fall into
	// one target step. It has no default: leaving it unset fails when
	// such aggregation becomes necessary.
	CategoricalAgg TemporalAgg

	// ChunkSizes maps dimension names to explicit chunk lengths.
	// Missing dimensions get derived defaults.
	ChunkSizes map[string]int

	// TimeSeriesAccess chunks the full temporal extent together,
	// favoring per-pixel time series reads over per-step map reads.
	TimeSeriesAccess bool

	// MaxChunkBytes is the memory ceiling for a single chunk. Zero
	// selects DefaultMaxChunkBytes.
	MaxChunkBytes int

	// VariableNames optionally restricts the cube to the named
	// variables across all inputs. Empty means all.
	VariableNames []string
}

// MetadataConfig holds user-supplied descriptive metadata and the name
// of the convention template providing defaults.
type MetadataConfig struct {
	// Template names the attribute convention template. An empty name
	// selects "acdd".
	Template string

	// Attrs are user-supplied global attributes. They take precedence
	// over both computed values and template defaults.
	Attrs map[string]interface{}

	// VarAttrs are user-supplied per-variable attributes.
	VarAttrs map[string]map[string]interface{}
}

// Request is the immutable configuration for one cube generation run.
// A valid request derives exactly one target grid and one chunk layout.
type Request struct {
	Inputs   []InputConfig
	Output   OutputConfig
	Cube     CubeConfig
	Metadata MetadataConfig
}
