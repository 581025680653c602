// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sendQueueDepthValue atomic.Int64

var sendQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "coreserver",
	Subsystem: "federationapi",
	Name:      "send_queue_depth",
	Help:      "Total number of pending items across every destination queue.",
})

// observeSendQueueDepth adjusts the total queue depth gauge by delta,
// grounded on the teacher's metrics helper of the same name and shape.
func observeSendQueueDepth(delta int64) {
	v := sendQueueDepthValue.Add(delta)
	sendQueueDepth.Set(float64(v))
}
