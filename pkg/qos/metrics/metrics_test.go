// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMustRegister_RegistersAllCollectorsOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NotPanics(t, func() { MustRegister(registry) })

	// Vec collectors expose nothing to Gather until a label set is used.
	GraphGroupVertexGauge.WithLabelValues("job")
	GraphEdgeGauge.WithLabelValues("job")
	AnnouncementBufferGauge.WithLabelValues("job")
	ViolationCounter.WithLabelValues("job", "constraint")
	DispatcherQueueDepthGauge.WithLabelValues("worker")
	DispatcherSendFailureCounter.WithLabelValues("worker")
	ForwarderBatchSizeHistogram.WithLabelValues("job")

	families, err := registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestMustRegister_PanicsOnDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	MustRegister(registry)
	require.Panics(t, func() { MustRegister(registry) })
}
