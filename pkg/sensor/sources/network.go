// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/antimetal/assetstate/pkg/sensor"
)

func init() {
	sensor.Register("network", func(logger logr.Logger, config sensor.SourceConfig) (sensor.Source, error) {
		return NewNetworkSource(logger, config), nil
	})
}

var _ sensor.Source = (*NetworkSource)(nil)

// NetworkSource samples connection counts and interface throughput for the
// network section.
type NetworkSource struct {
	logger          logr.Logger
	updateThreshold float64

	mu       sync.Mutex
	prevSent uint64
	prevRecv uint64
	prevTime time.Time
}

func NewNetworkSource(logger logr.Logger, config sensor.SourceConfig) *NetworkSource {
	return &NetworkSource{
		logger:          logger.WithName("network"),
		updateThreshold: config.Thresholds.Connections,
	}
}

func (s *NetworkSource) Name() string { return "network" }

func (s *NetworkSource) Collect(ctx context.Context) (map[string]any, error) {
	conns, err := net.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("%w: connections: %v", sensor.ErrCollection, err)
	}

	established, listening := 0, 0
	for _, c := range conns {
		switch c.Status {
		case "ESTABLISHED":
			established++
		case "LISTEN":
			listening++
		}
	}

	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("%w: io counters: %v", sensor.ErrCollection, err)
	}
	var sent, recv uint64
	if len(counters) > 0 {
		sent = counters[0].BytesSent
		recv = counters[0].BytesRecv
	}
	sentMBs, recvMBs := s.throughput(sent, recv)

	return map[string]any{
		"total_connections":       len(conns),
		"established_connections": established,
		"listening_ports":         listening,
		"sent_mb_per_sec":         sentMBs,
		"recv_mb_per_sec":         recvMBs,
	}, nil
}

func (s *NetworkSource) throughput(sent, recv uint64) (sentMBs, recvMBs float64) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.prevTime.IsZero() {
		elapsed := now.Sub(s.prevTime).Seconds()
		if elapsed > 0 {
			if sent >= s.prevSent {
				sentMBs = float64(sent-s.prevSent) / 1024 / 1024 / elapsed
			}
			if recv >= s.prevRecv {
				recvMBs = float64(recv-s.prevRecv) / 1024 / 1024 / elapsed
			}
		}
	}
	s.prevSent, s.prevRecv, s.prevTime = sent, recv, now
	return sentMBs, recvMBs
}

func (s *NetworkSource) Process(raw map[string]any) map[string]any {
	return map[string]any{
		"update_strategy": "change_driven",
		"real_time": map[string]any{
			"total_connections":       raw["total_connections"],
			"established_connections": raw["established_connections"],
			"listening_ports":         raw["listening_ports"],
			"sent_mb_per_sec":         round2(asFloat(raw["sent_mb_per_sec"])),
			"recv_mb_per_sec":         round2(asFloat(raw["recv_mb_per_sec"])),
		},
		"thresholds": map[string]any{
			"connection_delta": s.updateThreshold,
		},
	}
}
