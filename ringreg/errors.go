/*
 *
 * Copyright 2025 The LinuxCNC Go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package ringreg

import "errors"

// The closed error set of the registry. Every error returned by Create,
// Attach, Detach and Refcount wraps exactly one of these sentinels, so
// callers can classify failures with errors.Is.
var (
	// ErrRegistryExhausted is returned by Create when no free slot exists.
	// Rings are never evicted to make room.
	ErrRegistryExhausted = errors.New("ringreg: registry exhausted")

	// ErrInvalidHandle is returned for handles outside [0, MaxRings), for
	// operations on slots that are not committed, and for module ids
	// outside [0, MaxModules).
	ErrInvalidHandle = errors.New("ringreg: invalid ring handle")

	// ErrBackendFailure wraps any error from the segment backend,
	// propagated verbatim with the failing call and key attached.
	ErrBackendFailure = errors.New("ringreg: backend failure")

	// ErrInternalInconsistency reports a violated design invariant, such
	// as a resident mapping that should exist but does not. It signals a
	// lifecycle bug, not a caller mistake.
	ErrInternalInconsistency = errors.New("ringreg: internal inconsistency")
)
