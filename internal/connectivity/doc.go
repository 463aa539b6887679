// Package connectivity tracks whether the remote service is reachable.
//
// The Monitor combines a network hint (the process's view of link state,
// set through SetNetworkHint) with an active Prober. The hint being online
// is necessary but not sufficient: TestConnectivity runs the probe, and a
// failed probe counts as offline for sync gating. Every change of the
// combined state is emitted as a BecameOnline or BecameOffline transition.
package connectivity
