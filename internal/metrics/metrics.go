// Package metrics exposes Prometheus instrumentation for the sync layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "zealsync"
)

var (
	// MessagesTotal counts wire messages by channel and direction
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of protocol messages",
		},
		[]string{"type", "direction"}, // type: sync/awareness/..., direction: in/out
	)

	// ProtocolErrors counts skipped malformed frames
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed frames skipped",
		},
		[]string{"kind"}, // truncated/unknown_type
	)

	// ConnectionState tracks the current transport state per room
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (enum value)",
		},
		[]string{"room"},
	)

	// ReconnectsTotal counts reconnection attempts
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of reconnection attempts",
		},
	)

	// HeartbeatsTotal counts keep-alive probes sent
	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeat probes sent",
		},
	)

	// QueueDrops counts outbound messages shed by the bounded queue
	QueueDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drops_total",
			Help:      "Total number of outbound messages shed on queue overflow",
		},
	)

	// QueueDepth tracks the current outbound queue depth
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current outbound queue depth",
		},
	)

	// AwarenessDropped counts rejected awareness payloads
	AwarenessDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "awareness_dropped_total",
			Help:      "Total number of awareness payloads dropped",
		},
		[]string{"reason"}, // oversized/undersized/low_entropy
	)

	// OptimizerState reports whether alone-mode presence throttling is active
	OptimizerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "optimizer_active",
			Help:      "1 when presence broadcast runs at the widened interval",
		},
		[]string{"room"},
	)

	// SnapshotsTotal counts snapshot saves
	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Total number of snapshot operations",
		},
		[]string{"op"}, // save/evict/restore
	)

	// MigrationRecords counts records processed by the migration runner
	MigrationRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_records_total",
			Help:      "Total number of migrated records",
		},
		[]string{"status"}, // ok/failed
	)

	// RoomClients tracks connected clients per room on the server
	RoomClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_clients",
			Help:      "Number of clients currently joined to each room",
		},
		[]string{"room"},
	)
)
