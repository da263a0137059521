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

// Package input provides the input processors that normalize raw
// datasets opened from a data store into source datasets ready for
// resampling.
package input

import (
	"io"

	"github.com/dcs4cop/xcube"
)

// Registry returns the built-in input processors keyed by the names
// they are selected by in input configurations.
func Registry() map[string]xcube.InputProcessor {
	return map[string]xcube.InputProcessor{
		"default": NewCOARDS(),
	}
}

// readNoWriter adapts a read-only store object to interfaces requiring
// a WriterAt. Reading never writes; any write attempt is an error.
type readNoWriter struct {
	io.ReaderAt
}

func (readNoWriter) WriteAt(p []byte, off int64) (int, error) {
	return 0, io.ErrClosedPipe
}
