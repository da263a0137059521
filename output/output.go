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

// Package output serializes generated cubes to target storage layouts.
// All writers share the same all-or-nothing commit protocol: the cube
// is written under a temporary key next to the target, and only moved
// onto the target key once every chunk has been written successfully.
package output

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dcs4cop/xcube"
	"github.com/dcs4cop/xcube/internal/hash"
	"github.com/dcs4cop/xcube/store"
)

// Registry returns the built-in output writers keyed by format name.
func Registry() map[string]xcube.OutputWriter {
	return map[string]xcube.OutputWriter{
		"zarr":   NewZarr(),
		"netcdf": NewNetCDF(),
	}
}

// prepareTarget checks the target key for a conflicting dataset and
// returns the temporary key the writer should write under.
func prepareTarget(ctx context.Context, s store.Store, target string, overwrite bool) (string, error) {
	exists, err := s.Exists(ctx, target)
	if err != nil {
		return "", &xcube.Error{Stage: xcube.StageWrite, Kind: xcube.PartialWrite,
			Err: fmt.Errorf("checking target %s: %w", target, err)}
	}
	if exists && !overwrite {
		return "", &xcube.Error{Stage: xcube.StageWrite, Kind: xcube.WriteConflict,
			Err: fmt.Errorf("target %s already exists", target)}
	}
	suffix := hash.Hash(struct {
		Path  string
		Nanos int64
	}{target, time.Now().UnixNano()})
	return fmt.Sprintf("%s.write-%s", target, suffix[:8]), nil
}

// commitTarget atomically publishes the dataset written under tmp at
// the target key. When overwriting, the old dataset is removed first;
// the window in which the target is missing is the price of keeping
// the new dataset invisible until it is complete.
func commitTarget(ctx context.Context, s store.Store, tmp, target string, overwrite bool) error {
	if overwrite {
		if err := s.Delete(ctx, target); err != nil {
			abortTarget(ctx, s, tmp)
			return &xcube.Error{Stage: xcube.StageWrite, Kind: xcube.PartialWrite,
				Err: fmt.Errorf("removing old target %s: %w", target, err)}
		}
	}
	if err := s.Move(ctx, tmp, target); err != nil {
		abortTarget(ctx, s, tmp)
		return &xcube.Error{Stage: xcube.StageWrite, Kind: xcube.PartialWrite,
			Err: fmt.Errorf("committing %s: %w", target, err)}
	}
	return nil
}

// abortTarget removes a partially written temporary dataset. Failures
// are logged, not returned; the write error being handled takes
// precedence.
func abortTarget(ctx context.Context, s store.Store, tmp string) {
	if err := s.Delete(ctx, tmp); err != nil {
		log.Printf("xcube: removing partial write %s: %v", tmp, err)
	}
}

// partialWrite wraps a mid-write failure after the temporary dataset
// has been cleaned up.
func partialWrite(err error) error {
	return &xcube.Error{Stage: xcube.StageWrite, Kind: xcube.PartialWrite, Err: err}
}

// putBytes stores one object under key.
func putBytes(ctx context.Context, s store.Store, key string, data []byte) error {
	w, err := s.Create(ctx, key)
	if err != nil {
		return fmt.Errorf("creating %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", key, err)
	}
	return nil
}
