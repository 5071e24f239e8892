// Package api exposes the audit ledger over HTTP: paged queries, the direct
// append endpoint, ledger overview and verification, plus the Prometheus
// metrics shared by the daemon's other components.
package api
