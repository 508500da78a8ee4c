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

package message

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
)

func TestQosReport_HasAnnouncementsReflectsEitherSlice(t *testing.T) {
	job := ids.NewJobID()

	empty := &QosReport{Job: job}
	require.False(t, empty.HasAnnouncements())

	withVertex := &QosReport{Job: job, VertexAnnouncements: []VertexAnnouncement{{}}}
	require.True(t, withVertex.HasAnnouncements())

	withEdge := &QosReport{Job: job, EdgeAnnouncements: []EdgeAnnouncement{{}}}
	require.True(t, withEdge.HasAnnouncements())
}

func TestMessages_JobIDRoundTripsAcrossAllKinds(t *testing.T) {
	job := ids.NewJobID()

	var msgs = []Message{
		&QosReport{Job: job},
		&DeployInstanceQosRolesAction{Job: job},
		&LimitBufferSizeAction{Job: job},
		&ConstructStreamChainAction{Job: job},
		&StreamChainAnnounce{Job: job},
	}
	for _, m := range msgs {
		require.Equal(t, job, m.JobID())
	}
}
