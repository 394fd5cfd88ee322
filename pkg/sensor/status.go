// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sensor

// Status is the operational status of a sensor. The progression is
// INITIALIZING -> HEALTHY <-> DEGRADED -> UNHEALTHY, with STOPPED terminal
// from any state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusUnhealthy    Status = "unhealthy"
	StatusStopped      Status = "stopped"
)

// KnownStatuses lists every valid sensor status, including the transient
// "restarting" written by emergency rebuilds.
var KnownStatuses = []Status{
	StatusInitializing,
	StatusHealthy,
	StatusDegraded,
	StatusUnhealthy,
	StatusStopped,
	"restarting",
}
