// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSnapshot writes data to path and pins its modification time.
func writeSnapshot(t *testing.T, path, data string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestStore_Missing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "performance_results.json"))

	_, err := s.Read()
	assert.ErrorIs(t, err, ErrSnapshotMissing)
	assert.False(t, s.Exists())
}

func TestStore_ReadExactBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "performance_results.json")
	mod := time.Date(2025, 3, 1, 12, 0, 0, 123_000_000, time.UTC)
	body := `{"results":[{"structure":"btree","ms":1.5}]}` + "\n"
	writeSnapshot(t, path, body, mod)

	s := NewStore(path)
	snap, err := s.Read()
	require.NoError(t, err)

	assert.Equal(t, body, string(snap.Data))
	assert.Equal(t, int64(len(body)), snap.Size)
	assert.Equal(t, `"1740830400123"`, snap.ETag)
	assert.Equal(t, "2025-03-01T12:00:00Z", snap.LastUpdated())
	assert.True(t, s.Exists())
}

func TestStore_ServesCacheUntilFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "performance_results.json")
	mod := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	writeSnapshot(t, path, `{"v":1}`, mod)

	s := NewStore(path)
	first, err := s.Read()
	require.NoError(t, err)

	again, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, first.ETag, again.ETag)
	assert.Same(t, &first.Data[0], &again.Data[0], "unchanged file is served from cache")

	writeSnapshot(t, path, `{"v":22}`, mod.Add(time.Second))
	next, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"v":22}`, string(next.Data))
	assert.NotEqual(t, first.ETag, next.ETag)
}

func TestStore_RemovedAfterRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "performance_results.json")
	writeSnapshot(t, path, `{}`, time.Now())

	s := NewStore(path)
	_, err := s.Read()
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	_, err = s.Read()
	assert.ErrorIs(t, err, ErrSnapshotMissing)
}

func TestStore_DirectoryIsMissing(t *testing.T) {
	_, err := NewStore(t.TempDir()).Read()
	assert.ErrorIs(t, err, ErrSnapshotMissing)
}

func TestParseETag(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: `"1740830400123"`, want: 1740830400123},
		{in: `W/"42"`, want: 42},
		{in: `42`, want: 42},
		{in: `"abc"`, wantErr: true},
		{in: `"-5"`, wantErr: true},
		{in: ``, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseETag(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidETag)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestETagFor_RoundTrip(t *testing.T) {
	mod := time.UnixMilli(1_700_000_000_999)
	ms, err := ParseETag(ETagFor(mod))
	require.NoError(t, err)
	assert.Equal(t, mod.UnixMilli(), ms)
}
