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
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ctessum/requestcache"

	"github.com/dcs4cop/xcube/internal/hash"
	"github.com/dcs4cop/xcube/store"
)

// An InputProcessor interprets a raw dataset's native layout and
// normalizes it into a SourceDataset: standardized dimension names,
// coordinate reference system, units, and a validity mask where
// available. Implementations are selected by name through the
// processor registry passed to NewGenerator.
type InputProcessor interface {
	Process(raw store.Object, path string, c *InputConfig) (*SourceDataset, error)
}

// An OutputWriter serializes a cube to a target layout. Describe
// summarizes the cube as it would be written; it must be cheap and free
// of side effects on the target store. Write persists the cube so that
// either the full dataset with its metadata becomes visible at the
// target path, or nothing new does.
type OutputWriter interface {
	Describe(cube *Cube) (*Info, error)
	Write(ctx context.Context, cube *Cube, s store.Store, targetPath string, c *OutputConfig) error
}

// A Generator runs cube generation requests. It composes the pipeline
// stages from the data stores, input processors and output writers it
// is constructed with; the registries are treated as immutable after
// construction, and concurrent requests share no other state.
type Generator struct {
	stores     *store.Registry
	processors map[string]InputProcessor
	writers    map[string]OutputWriter

	openCache *requestcache.Cache
	openOnce  sync.Once
}

// NewGenerator returns a generator using the given store registry,
// input processors (keyed by processor name) and output writers (keyed
// by writer name).
func NewGenerator(stores *store.Registry, processors map[string]InputProcessor, writers map[string]OutputWriter) *Generator {
	return &Generator{
		stores:     stores,
		processors: processors,
		writers:    writers,
	}
}

// Describe validates the request and returns a summary of the cube it
// would generate, without writing anything: the dry-run twin of
// Generate. Variable set, dtypes, dimension sizes, chunking and
// metadata in the summary are identical to what Generate would produce.
func (g *Generator) Describe(ctx context.Context, req *Request) (*Info, error) {
	r := &run{g: g, req: req}
	info, err := r.describe(ctx)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	r.state = Done
	return info, nil
}

// Generate validates the request, resamples all inputs onto the target
// grid and writes the resulting cube, returning a reference a caller
// can re-open the cube with. A failure at any stage aborts the whole
// request; no partial cube is ever exposed as successful.
func (g *Generator) Generate(ctx context.Context, req *Request) (*Reference, error) {
	r := &run{g: g, req: req}
	ref, err := r.generate(ctx)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	r.state = Done
	return ref, nil
}

// State is the lifecycle state of one generation run.
type State int

// The run states. Describing and Generating share all pipeline stages
// up to metadata composition and diverge only at the output writer.
const (
	Configured State = iota
	Validating
	Describing
	Generating
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case Validating:
		return "validating"
	case Describing:
		return "describing"
	case Generating:
		return "generating"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// run holds the state owned by a single generation request.
type run struct {
	g     *Generator
	req   *Request
	state State
	err   error
}

func (r *run) fail(err error) {
	r.state = Failed
	r.err = err
}

func (r *run) describe(ctx context.Context) (*Info, error) {
	cube, _, err := r.prepare(ctx, false)
	if err != nil {
		return nil, err
	}
	r.state = Describing
	writer := r.g.writers[writerName(&r.req.Output)]
	return writer.Describe(cube)
}

func (r *run) generate(ctx context.Context) (*Reference, error) {
	cube, targetStore, err := r.prepare(ctx, true)
	if err != nil {
		return nil, err
	}
	r.state = Generating
	writer := r.g.writers[writerName(&r.req.Output)]
	if err := writer.Write(ctx, cube, targetStore, r.req.Output.Path, &r.req.Output); err != nil {
		return nil, err
	}
	return &Reference{
		Store:  r.req.Output.Store,
		Path:   r.req.Output.Path,
		DataID: hash.Hash(r.req),
	}, nil
}

// prepare runs the pipeline stages shared by describing and generating:
// validation, input normalization, grid resolution, chunk planning and
// metadata composition. With materialize set it also resamples the
// variable data; otherwise the returned cube carries shapes and
// metadata only.
func (r *run) prepare(ctx context.Context, materialize bool) (*Cube, store.Store, error) {
	r.state = Validating
	if err := r.validate(); err != nil {
		return nil, nil, err
	}
	targetStore, err := r.g.stores.Get(r.req.Output.Store)
	if err != nil {
		return nil, nil, newError(StageValidate, InvalidRequest, "%v", err)
	}

	srcs, err := r.loadSources(ctx)
	if err != nil {
		return nil, nil, err
	}

	grid, err := ResolveGrid(srcs, &r.req.Cube)
	if err != nil {
		return nil, nil, err
	}

	var vars map[string]*Variable
	if materialize {
		// Each source is released as soon as its resampled arrays have
		// been merged, bounding peak memory to two stages' working
		// sets.
		for i, src := range srcs {
			resampled, err := Resample(ctx, src, grid, &r.req.Cube)
			if err != nil {
				return nil, nil, err
			}
			vars = mergeResampled(vars, r.filterVars(resampled))
			srcs[i] = nil
		}
	} else {
		vars = map[string]*Variable{}
		for _, src := range srcs {
			for name, v := range src.Vars {
				dims := []string{DimY, DimX}
				if v.HasTime() {
					dims = []string{DimTime, DimY, DimX}
				}
				vars[name] = &Variable{
					Dims:        dims,
					Dtype:       v.Dtype,
					Attrs:       v.Attrs,
					Categorical: v.Categorical,
				}
			}
		}
		vars = r.filterVars(vars)
	}
	if len(vars) == 0 {
		return nil, nil, newError(StageInput, MissingVariable, "no variables remain after selection")
	}

	elemSize := 0
	for _, v := range vars {
		if s := v.Dtype.Size(); s > elemSize {
			elemSize = s
		}
	}
	chunks, err := PlanChunks(grid, elemSize, &r.req.Cube)
	if err != nil {
		return nil, nil, err
	}

	attrs, varAttrs, err := ComposeMetadata(grid, vars, &r.req.Metadata)
	if err != nil {
		return nil, nil, err
	}

	return &Cube{
		Grid:     grid,
		Chunks:   chunks,
		Vars:     vars,
		Attrs:    attrs,
		VarAttrs: varAttrs,
	}, targetStore, nil
}

// validate checks the request for referential integrity before any data
// is read.
func (r *run) validate() error {
	req := r.req
	if len(req.Inputs) == 0 {
		return newError(StageValidate, InvalidRequest, "request has no inputs")
	}
	for i, in := range req.Inputs {
		if in.Path == "" {
			return newError(StageValidate, InvalidRequest, "input %d has no path", i)
		}
		if _, err := r.g.stores.Get(in.Store); err != nil {
			return newError(StageValidate, InvalidRequest, "input %d: %v", i, err)
		}
		if _, ok := r.g.processors[processorName(&in)]; !ok {
			return newError(StageValidate, UnknownProcessor, "input %d: no input processor registered as %q", i, processorName(&in))
		}
	}
	if req.Output.Path == "" {
		return newError(StageValidate, InvalidRequest, "request has no output path")
	}
	if _, err := r.g.stores.Get(req.Output.Store); err != nil {
		return newError(StageValidate, InvalidRequest, "output: %v", err)
	}
	if _, ok := r.g.writers[writerName(&req.Output)]; !ok {
		return newError(StageValidate, UnknownProcessor, "output: no writer registered as %q", writerName(&req.Output))
	}
	return nil
}

func processorName(c *InputConfig) string {
	if c.Processor == "" {
		return "default"
	}
	return c.Processor
}

func writerName(c *OutputConfig) string {
	if c.Writer == "" {
		return "zarr"
	}
	return c.Writer
}

// filterVars applies the cube-level variable selection.
func (r *run) filterVars(vars map[string]*Variable) map[string]*Variable {
	names := r.req.Cube.VariableNames
	if len(names) == 0 {
		return vars
	}
	out := make(map[string]*Variable, len(names))
	for _, n := range names {
		if v, ok := vars[n]; ok {
			out[n] = v
		}
	}
	return out
}

// openRequest keys one dataset open+normalize operation.
type openRequest struct {
	g    *Generator
	in   InputConfig
	path string
}

// Key implements requestcache.Request-style deduplication keying.
func (o openRequest) String() string {
	return hash.Hash(struct {
		Store, Path, Processor string
		Vars                   []string
	}{o.in.Store, o.path, processorName(&o.in), o.in.VariableNames})
}

// loadSources opens and normalizes every input dataset. Glob patterns
// expand against the store listing; each match becomes its own source.
// Concurrent identical opens are deduplicated, and transient store
// failures are retried with exponential backoff.
func (r *run) loadSources(ctx context.Context) ([]*SourceDataset, error) {
	g := r.g
	g.openOnce.Do(func() {
		g.openCache = requestcache.NewCache(func(ctx context.Context, request interface{}) (interface{}, error) {
			o := request.(openRequest)
			return o.g.openSource(ctx, &o.in, o.path)
		}, runtime.GOMAXPROCS(-1), requestcache.Deduplicate())
	})

	var srcs []*SourceDataset
	for _, in := range r.req.Inputs {
		paths, err := g.expandPath(ctx, &in)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			o := openRequest{g: g, in: in, path: p}
			req := g.openCache.NewRequest(ctx, o, o.String())
			result, err := req.Result()
			if err != nil {
				return nil, err
			}
			srcs = append(srcs, result.(*SourceDataset))
		}
	}
	return srcs, nil
}

// expandPath resolves an input path, expanding glob patterns against
// the store listing.
func (g *Generator) expandPath(ctx context.Context, in *InputConfig) ([]string, error) {
	if !strings.ContainsAny(in.Path, "*?[") {
		return []string{in.Path}, nil
	}
	s, err := g.stores.Get(in.Store)
	if err != nil {
		return nil, newError(StageInput, InvalidRequest, "%v", err)
	}
	prefix := in.Path
	if i := strings.IndexAny(prefix, "*?["); i >= 0 {
		prefix = prefix[:i]
	}
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return nil, newError(StageInput, InvalidRequest, "listing %q in store %q: %v", in.Path, in.Store, err)
	}
	var paths []string
	for _, k := range keys {
		ok, err := path.Match(in.Path, k)
		if err != nil {
			return nil, newError(StageInput, InvalidRequest, "bad path pattern %q: %v", in.Path, err)
		}
		if ok {
			paths = append(paths, k)
		}
	}
	if len(paths) == 0 {
		return nil, newError(StageInput, InvalidRequest, "no datasets match %q in store %q", in.Path, in.Store)
	}
	return paths, nil
}

// openSource opens one dataset through its store with retries and
// normalizes it with the configured input processor.
func (g *Generator) openSource(ctx context.Context, in *InputConfig, p string) (*SourceDataset, error) {
	s, err := g.stores.Get(in.Store)
	if err != nil {
		return nil, newError(StageInput, InvalidRequest, "%v", err)
	}
	var raw store.Object
	err = backoff.RetryNotify(
		func() error {
			var err error
			raw, err = s.Open(ctx, p)
			// A missing or forbidden dataset will not appear on a
			// retry.
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAccessDenied) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3),
		func(err error, d time.Duration) {
			log.Printf("xcube: retrying open of %s in store %s in %v: %v", p, in.Store, d, err)
		},
	)
	if err != nil {
		return nil, &Error{Stage: StageInput, Kind: StoreAccess, Err: fmt.Errorf("opening %s in store %s: %w", p, in.Store, err)}
	}
	defer raw.Close()
	proc := g.processors[processorName(in)]
	src, err := proc.Process(raw, p, in)
	if err != nil {
		return nil, err
	}
	return src, nil
}
