// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package relay

import "expvar"

// hubMetrics record hub activity counters.
type hubMetrics struct {
	callOut      expvar.Int // number of calls initiated
	callOutErr   expvar.Int // number of calls reporting an error
	callPending  expvar.Int
	clientActive expvar.Int
	msgRecv      expvar.Int
	msgSent      expvar.Int
	msgDropped   expvar.Int // replies with no call to receive them
	probeSent    expvar.Int
	probeFailed  expvar.Int

	emap *expvar.Map
}

func newHubMetrics() *hubMetrics {
	hm := &hubMetrics{emap: new(expvar.Map)}
	hm.emap.Set("calls_out", &hm.callOut)
	hm.emap.Set("calls_out_failed", &hm.callOutErr)
	hm.emap.Set("calls_pending", &hm.callPending)
	hm.emap.Set("clients_active", &hm.clientActive)
	hm.emap.Set("messages_received", &hm.msgRecv)
	hm.emap.Set("messages_sent", &hm.msgSent)
	hm.emap.Set("messages_dropped", &hm.msgDropped)
	hm.emap.Set("probes_sent", &hm.probeSent)
	hm.emap.Set("probes_failed", &hm.probeFailed)
	return hm
}
