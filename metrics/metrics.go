// Package metrics exposes the Prometheus counters this module's runtime
// is instrumented with: storage writes, sync ingestion, and carrier
// packet handling, grouped the way the examples instrument a message
// server's connection/message/error surfaces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge this module registers. One
// instance is created per process and shared as a *Metrics across
// client, storage, and carrier.
type Metrics struct {
	slabsWritten          prometheus.Counter
	slabsFull             prometheus.Counter
	syncRecordsIngested   prometheus.Counter
	syncRecordsDuplicate  prometheus.Counter
	syncSessionsStarted   prometheus.Counter
	carrierPacketsDropped *prometheus.CounterVec
	carrierTransfersOK    prometheus.Counter
	carrierTransfersFailed prometheus.Counter
}

// New registers and returns a fresh Metrics against the default
// Prometheus registry.
func New() *Metrics {
	return &Metrics{
		slabsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_slabs_written_total",
			Help: "Total number of storage slabs committed to a backing device.",
		}),
		slabsFull: promauto.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_slabs_full_total",
			Help: "Total number of times a write hit a full slab and rolled to a fresh one.",
		}),
		syncRecordsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_sync_records_ingested_total",
			Help: "Total number of envelope records accepted from an inbound sync buffer.",
		}),
		syncRecordsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_sync_records_duplicate_total",
			Help: "Total number of envelope records dropped as AlreadyReceived during sync ingestion.",
		}),
		syncSessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_sync_sessions_started_total",
			Help: "Total number of requester-side sync sessions begun.",
		}),
		carrierPacketsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "emberchat_carrier_packets_dropped_total",
			Help: "Total number of carrier packets dropped, labeled by reason.",
		}, []string{"reason"}),
		carrierTransfersOK: promauto.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_carrier_transfers_completed_total",
			Help: "Total number of logical messages successfully reassembled by the carrier.",
		}),
		carrierTransfersFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_carrier_transfers_failed_total",
			Help: "Total number of in-progress carrier reassemblies abandoned without completing.",
		}),
	}
}

// SlabWritten records one committed slab write.
func (m *Metrics) SlabWritten() { m.slabsWritten.Inc() }

// SlabFull records a write that hit a full slab and rolled to a fresh one.
func (m *Metrics) SlabFull() { m.slabsFull.Inc() }

// SyncRecordIngested records one envelope accepted from a sync buffer.
func (m *Metrics) SyncRecordIngested() { m.syncRecordsIngested.Inc() }

// SyncRecordDuplicate records one envelope dropped as AlreadyReceived.
func (m *Metrics) SyncRecordDuplicate() { m.syncRecordsDuplicate.Inc() }

// SyncSessionStarted records one requester-side session begun.
func (m *Metrics) SyncSessionStarted() { m.syncSessionsStarted.Inc() }

// CarrierPacketDropped records one dropped carrier packet, labeled by
// reason (e.g. "not_packet", "duplicate", "short").
func (m *Metrics) CarrierPacketDropped(reason string) {
	m.carrierPacketsDropped.WithLabelValues(reason).Inc()
}

// CarrierTransferCompleted records one successfully reassembled logical
// message.
func (m *Metrics) CarrierTransferCompleted() { m.carrierTransfersOK.Inc() }

// CarrierTransferFailed records one reassembly abandoned without
// completing.
func (m *Metrics) CarrierTransferFailed() { m.carrierTransfersFailed.Inc() }
