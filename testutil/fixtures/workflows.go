// Package fixtures holds workflow documents and alert payloads shared by
// tests across packages.
package fixtures

// TriageSource escalates hosts whose alert severity exceeds 5.
const TriageSource = `
name: triage
description: host triage
input: alert
statements:
  - assign: host
    call: core.passthrough
    with:
      value: "{{ alert['host'] }}"
  - assign: sev
    call: core.passthrough
    with:
      value: "{{ alert['severity'] }}"
  - if: sev > 5
    then:
      - call: core.log
        with:
          message: "escalate {{ host }}"
`

// EnrichSource passes the alert host to a log step.
const EnrichSource = `
name: enrich
input: alert
statements:
  - assign: pick
    call: core.passthrough
    with:
      value: "{{ alert['host'] }}"
  - call: core.log
    with:
      message: "host {{ pick }}"
`

// SlowSource blocks for 30 seconds so tests can cancel it mid-run.
const SlowSource = `
name: slow
input: alert
statements:
  - call: core.wait
    with:
      seconds: 30
`

// FailingSource fails on its only step.
const FailingSource = `
name: doomed
input: alert
statements:
  - call: core.fail
    with:
      message: nope
`

// UnknownActionSource references an action no registry provides.
const UnknownActionSource = `
name: broken
input: alert
statements:
  - call: core.nope
`

// IntelSource runs two intel.lookup calls side by side and logs a verdict
// taken from either branch. Pair it with mocks.MockActions.
const IntelSource = `
name: intel
input: alert
statements:
  - assign: src
    call: intel.lookup
    with:
      indicator: "{{ alert['src_ip'] }}"
  - assign: dst
    call: intel.lookup
    with:
      indicator: "{{ alert['dst_ip'] }}"
  - if: src == 'malicious' or dst == 'malicious'
    then:
      - assign: verdict
        call: core.passthrough
        with:
          value: block
    else:
      - assign: verdict
        call: core.passthrough
        with:
          value: allow
  - call: core.log
    with:
      message: "verdict {{ verdict }}"
`

// Alert builds an alert payload with normalized value types.
func Alert(host string, severity int64) map[string]any {
	return map[string]any{
		"host":     host,
		"severity": severity,
		"src_ip":   "10.0.0.5",
		"dst_ip":   "203.0.113.9",
	}
}
