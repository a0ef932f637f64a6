// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat provides the service's atomic liveness state file.
// The service writes a [State] on an interval; supervisors and
// dashboards read it with [Check] to decide whether the service is
// alive, without needing socket access.
//
// The heartbeat file is written atomically (write to temporary file,
// fsync, rename into place, fsync parent directory) so readers never
// see a partial or corrupt state. [Check] treats a file whose
// UpdatedAt is older than the staleness bound as absent: a crashed
// service leaves its last heartbeat behind, and the age is what
// distinguishes a live service from a dead one.
//
// The [State] struct records the process id, build version, start
// time, write time, and an opaque stats payload. It is serialized as
// JSON.
//
// This package has no dependencies on other keywheel packages.
package heartbeat
