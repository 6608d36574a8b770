// Package metrics provides Prometheus implementations of the saga, tcc and
// es metrics hooks.
package metrics

const namespace = "gotx"

var defaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
