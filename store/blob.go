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

package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets, e.g. for testing
	_ "gocloud.dev/blob/gcsblob"  // gs:// buckets
	_ "gocloud.dev/blob/s3blob"   // s3:// buckets
	"gocloud.dev/gcerrors"
)

// Blob is a Store backed by a blob storage bucket. Buckets have no
// rename operation, so Move copies and deletes; the pipeline relies on
// writing under a temporary prefix and moving once, so a torn Move
// leaves the final prefix either complete or absent of metadata keys
// written last.
type Blob struct {
	bucket *blob.Bucket
}

// OpenBlob opens the bucket specified by urlstr, where urlstr must be
// in the format 'provider://name'. The currently accepted storage
// providers are "file" for the local filesystem (e.g., for testing),
// "gs" for Google Cloud Storage, and "s3" for AWS S3.
func OpenBlob(ctx context.Context, urlstr string) (*Blob, error) {
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("store: opening bucket %s: %v", urlstr, err)
	}
	return &Blob{bucket: bucket}, nil
}

// NewBlob returns a store backed by an already opened bucket.
func NewBlob(bucket *blob.Bucket) *Blob { return &Blob{bucket: bucket} }

// Open reads the blob at key fully into memory and returns it as a
// random access object.
func (b *Blob) Open(ctx context.Context, key string) (Object, error) {
	r, err := b.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, blobErr(key, err)
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, blobErr(key, err)
	}
	data := buf.Bytes()
	return &memObject{Reader: bytes.NewReader(data), size: int64(len(data))}, nil
}

// Create returns a writer to the blob at key. The blob becomes visible
// when the writer is closed.
func (b *Blob) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	w, err := b.bucket.NewWriter(ctx, key, &blob.WriterOptions{})
	if err != nil {
		return nil, blobErr(key, err)
	}
	return w, nil
}

// List returns the keys of all blobs starting with prefix.
func (b *Blob) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := b.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, blobErr(prefix, err)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether key names a blob or a non-empty key prefix.
func (b *Blob) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := b.bucket.Exists(ctx, key)
	if err != nil {
		return false, blobErr(key, err)
	}
	if ok {
		return true, nil
	}
	iter := b.bucket.List(&blob.ListOptions{Prefix: strings.TrimSuffix(key, "/") + "/"})
	_, err = iter.Next(ctx)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, blobErr(key, err)
	}
	return true, nil
}

// Delete removes the blob at key and every blob below it.
func (b *Blob) Delete(ctx context.Context, key string) error {
	keys, err := b.List(ctx, strings.TrimSuffix(key, "/")+"/")
	if err != nil {
		return err
	}
	if ok, err := b.bucket.Exists(ctx, key); err == nil && ok {
		keys = append(keys, key)
	}
	for _, k := range keys {
		if err := b.bucket.Delete(ctx, k); err != nil {
			return blobErr(k, err)
		}
	}
	return nil
}

// Move copies the blob or key subtree at oldKey to newKey and deletes
// the original.
func (b *Blob) Move(ctx context.Context, oldKey, newKey string) error {
	oldPrefix := strings.TrimSuffix(oldKey, "/") + "/"
	keys, err := b.List(ctx, oldPrefix)
	if err != nil {
		return err
	}
	if ok, err := b.bucket.Exists(ctx, oldKey); err == nil && ok {
		if err := b.bucket.Copy(ctx, newKey, oldKey, nil); err != nil {
			return blobErr(oldKey, err)
		}
	}
	for _, k := range keys {
		dst := strings.TrimSuffix(newKey, "/") + "/" + strings.TrimPrefix(k, oldPrefix)
		if err := b.bucket.Copy(ctx, dst, k, nil); err != nil {
			return blobErr(k, err)
		}
	}
	return b.Delete(ctx, oldKey)
}

func blobErr(key string, err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("store: %s: %w", key, ErrNotFound)
	case gcerrors.PermissionDenied:
		return fmt.Errorf("store: %s: %w", key, ErrAccessDenied)
	default:
		return fmt.Errorf("store: %s: %v", key, err)
	}
}
