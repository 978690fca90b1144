// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes gateway counters and gauges on a prometheus
// registry.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arkrelay/gatewaygo/utils/wrappers"
)

const Namespace = "arkgw"

type Metrics struct {
	numIntents,
	numResponses,
	numEventsDropped,
	numChallengesIssued,
	numSignaturesVerified,
	numSignaturesRejected,
	numSessionsCompleted,
	numSessionsFailed,
	numSessionsExpired,
	numTxsBroadcast,
	numTxsConfirmed,
	numLiftsSettled,
	numLandsPaid,
	numSettlementBatches prometheus.Counter

	ActiveSessions prometheus.Gauge
	AvailableVTXOs prometheus.Gauge
	ActiveRelays   prometheus.Gauge
}

func New(registerer prometheus.Registerer) (*Metrics, error) {
	errs := wrappers.Errs{}
	m := &Metrics{
		numIntents:            newCounter("intents_received", "Number of intent events accepted for processing", registerer, &errs),
		numResponses:          newCounter("responses_received", "Number of signing response events accepted for processing", registerer, &errs),
		numEventsDropped:      newCounter("events_dropped", "Number of relay events dropped before processing", registerer, &errs),
		numChallengesIssued:   newCounter("challenges_issued", "Number of signing challenges sent to wallets", registerer, &errs),
		numSignaturesVerified: newCounter("signatures_verified", "Number of wallet signatures that verified", registerer, &errs),
		numSignaturesRejected: newCounter("signatures_rejected", "Number of wallet signatures that failed verification", registerer, &errs),
		numSessionsCompleted:  newCounter("sessions_completed", "Number of ceremonies that completed", registerer, &errs),
		numSessionsFailed:     newCounter("sessions_failed", "Number of ceremonies that failed", registerer, &errs),
		numSessionsExpired:    newCounter("sessions_expired", "Number of ceremonies that expired", registerer, &errs),
		numTxsBroadcast:       newCounter("txs_broadcast", "Number of transactions broadcast", registerer, &errs),
		numTxsConfirmed:       newCounter("txs_confirmed", "Number of transactions confirmed", registerer, &errs),
		numLiftsSettled:       newCounter("lifts_settled", "Number of Lightning lifts settled", registerer, &errs),
		numLandsPaid:          newCounter("lands_paid", "Number of Lightning lands paid out", registerer, &errs),
		numSettlementBatches:  newCounter("settlement_batches", "Number of L1 settlement batches anchored", registerer, &errs),

		ActiveSessions: newGauge("active_sessions", "Number of non-terminal signing sessions", registerer, &errs),
		AvailableVTXOs: newGauge("available_vtxos", "Number of available inventory outputs", registerer, &errs),
		ActiveRelays:   newGauge("active_relays", "Number of connected relays", registerer, &errs),
	}
	return m, errs.Err
}

func newCounter(name, help string, registerer prometheus.Registerer, errs *wrappers.Errs) prometheus.Counter {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      fmt.Sprintf("%s_total", name),
		Help:      help,
	})
	errs.Add(registerer.Register(counter))
	return counter
}

func newGauge(name, help string, registerer prometheus.Registerer, errs *wrappers.Errs) prometheus.Gauge {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	})
	errs.Add(registerer.Register(gauge))
	return gauge
}

func (m *Metrics) IntentReceived()    { m.numIntents.Inc() }
func (m *Metrics) ResponseReceived()  { m.numResponses.Inc() }
func (m *Metrics) EventDropped()      { m.numEventsDropped.Inc() }
func (m *Metrics) ChallengeIssued()   { m.numChallengesIssued.Inc() }
func (m *Metrics) SignatureVerified() { m.numSignaturesVerified.Inc() }
func (m *Metrics) SignatureRejected() { m.numSignaturesRejected.Inc() }
func (m *Metrics) SessionCompleted()  { m.numSessionsCompleted.Inc() }
func (m *Metrics) SessionFailed()     { m.numSessionsFailed.Inc() }
func (m *Metrics) SessionExpired()    { m.numSessionsExpired.Inc() }
func (m *Metrics) TxBroadcast()       { m.numTxsBroadcast.Inc() }
func (m *Metrics) TxConfirmed()       { m.numTxsConfirmed.Inc() }
func (m *Metrics) LiftSettled()       { m.numLiftsSettled.Inc() }
func (m *Metrics) LandPaid()          { m.numLandsPaid.Inc() }
func (m *Metrics) SettlementBatch()   { m.numSettlementBatches.Inc() }
