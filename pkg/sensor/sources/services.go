// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/antimetal/assetstate/pkg/sensor"
)

func init() {
	sensor.Register("services", func(logger logr.Logger, config sensor.SourceConfig) (sensor.Source, error) {
		return NewServicesSource(logger, config), nil
	})
}

var _ sensor.Source = (*ServicesSource)(nil)

// ServicesSource samples service-level health for the services section:
// listening endpoints, host uptime, and an aggregate health status derived
// from whether anything is accepting connections.
type ServicesSource struct {
	logger logr.Logger
	start  time.Time
}

func NewServicesSource(logger logr.Logger, config sensor.SourceConfig) *ServicesSource {
	return &ServicesSource{
		logger: logger.WithName("services"),
		start:  time.Now(),
	}
}

func (s *ServicesSource) Name() string { return "services" }

func (s *ServicesSource) Collect(ctx context.Context) (map[string]any, error) {
	conns, err := net.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("%w: connections: %v", sensor.ErrCollection, err)
	}

	ports := make(map[uint32]struct{})
	for _, c := range conns {
		if c.Status == "LISTEN" {
			ports[c.Laddr.Port] = struct{}{}
		}
	}

	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: host uptime: %v", sensor.ErrCollection, err)
	}

	health := "healthy"
	if len(ports) == 0 {
		health = "degraded"
	}

	return map[string]any{
		"health_status":   health,
		"listening_count": len(ports),
		"uptime_seconds":  float64(uptime),
		"agent_uptime":    time.Since(s.start).Seconds(),
	}, nil
}

func (s *ServicesSource) Process(raw map[string]any) map[string]any {
	return map[string]any{
		"update_strategy": "change_driven",
		"real_time": map[string]any{
			"health_status":   raw["health_status"],
			"listening_count": raw["listening_count"],
		},
		"application": map[string]any{
			"uptime_seconds":       round2(asFloat(raw["uptime_seconds"])),
			"agent_uptime_seconds": round2(asFloat(raw["agent_uptime"])),
		},
	}
}
