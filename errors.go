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
	"errors"
	"fmt"
)

// Stage identifies the cube generation pipeline stage where an error
// occurred.
type Stage string

// The pipeline stages, in execution order.
const (
	StageValidate Stage = "validate"
	StageInput    Stage = "input"
	StageGrid     Stage = "grid"
	StageResample Stage = "resample"
	StageChunk    Stage = "chunk"
	StageMetadata Stage = "metadata"
	StageWrite    Stage = "write"
)

// Kind classifies a cube generation error.
type Kind string

// The error kinds that cube generation can report. A failure at any
// stage aborts the whole request; PartialWrite is the only kind that is
// documented as safely retryable (in full, never resumed mid-write).
const (
	InvalidRequest        Kind = "invalid request"
	StoreAccess           Kind = "store access"
	UnsupportedFormat     Kind = "unsupported format"
	MissingVariable       Kind = "missing variable"
	UnknownProcessor      Kind = "unknown processor"
	InconsistentCRS       Kind = "inconsistent CRS"
	ReprojectionError     Kind = "reprojection error"
	InvalidMetadataSchema Kind = "invalid metadata schema"
	WriteConflict         Kind = "write conflict"
	PartialWrite          Kind = "partial write"
)

// Error is the error type returned by cube generation. It reports the
// failing pipeline stage together with the error classification.
type Error struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("xcube: %s (stage %s): %v", e.Kind, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target matches e by stage and kind. It allows
// errors.Is comparisons against an &Error{Kind: ...} template.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return (t.Kind == "" || t.Kind == e.Kind) && (t.Stage == "" || t.Stage == e.Stage)
}

func newError(stage Stage, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Stage: stage, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err or any error it wraps is an *Error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrStage returns the pipeline stage recorded in err, or an empty
// stage if err does not carry one.
func ErrStage(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
