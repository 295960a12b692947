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

import "errors"

var (
	// ErrSnapshotMissing indicates the engine has not written a snapshot yet.
	ErrSnapshotMissing = errors.New("performance results not found")

	// ErrArchiveDisabled is returned by history lookups when no archive is
	// configured.
	ErrArchiveDisabled = errors.New("snapshot archive is disabled")

	// ErrArchiveEntryNotFound indicates no archived snapshot has the given tag.
	ErrArchiveEntryNotFound = errors.New("archived snapshot not found")

	// ErrInvalidETag indicates a tag that was not produced by ETagFor.
	ErrInvalidETag = errors.New("invalid snapshot etag")
)
