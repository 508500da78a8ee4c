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

package env

import (
	"context"

	"go.uber.org/zap"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/message"
)

// BufferSizeEnforcer applies a LimitBufferSizeAction to the actual output
// buffer backing sourceChannelID on this worker. The mechanism itself
// (e.g. a runtime channel's buffer pool) is owned by the host engine and
// reached only through this interface.
type BufferSizeEnforcer interface {
	LimitBufferSize(ctx context.Context, targetVertexID ids.VertexID, sourceChannelID ids.ChannelID, bufferSizeBytes int) error
}

// taskCoordinator is the per-task collaborator addressed by
// LimitBufferSizeAction messages naming its vertex.
type taskCoordinator struct {
	vertexID ids.VertexID
	enforcer BufferSizeEnforcer
	logger   *zap.Logger
}

func newTaskCoordinator(vertexID ids.VertexID, enforcer BufferSizeEnforcer, logger *zap.Logger) *taskCoordinator {
	return &taskCoordinator{
		vertexID: vertexID,
		enforcer: enforcer,
		logger:   logger.With(zap.Stringer("vertex", vertexID)),
	}
}

func (c *taskCoordinator) handleLimitBufferSize(ctx context.Context, action *message.LimitBufferSizeAction) {
	if c.enforcer == nil {
		c.logger.Warn("no buffer size enforcer configured, dropping action")
		return
	}
	if err := c.enforcer.LimitBufferSize(ctx, action.TargetVertexID, action.SourceChannelID, action.BufferSizeBytes); err != nil {
		c.logger.Warn("buffer size enforcement failed", zap.Error(err))
	}
}
