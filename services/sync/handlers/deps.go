// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the sync service's HTTP and WebSocket
// endpoints.
package handlers

import (
	"github.com/go-playground/validator/v10"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/broadcast"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/lock"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/presence"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/registry"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/state"
)

// Deps bundles the components every handler reaches for. One instance is
// built by the service wiring and shared across handlers.
type Deps struct {
	Registry *registry.Registry
	Archive  *registry.Archive // may be nil
	Locks    *lock.Manager
	Sync     *state.Synchronizer
	Log      state.MutationLog // may be nil
	Hub      *broadcast.Hub
	Tracker  *presence.Tracker
	Validate *validator.Validate

	// OpsPerSecond and OpsBurst shape the per-connection operation rate
	// limiter.
	OpsPerSecond float64
	OpsBurst     int
}
