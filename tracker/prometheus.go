package tracker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(promResponseDurationMilliseconds)
}

var promResponseDurationMilliseconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "seedline_tracker_response_duration_milliseconds",
		Help:    "The duration of time it takes to receive and write a response to a control request",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	},
	[]string{"method", "error"},
)

// recordResponseDuration records the duration of time to respond to a method
// in milliseconds.
func recordResponseDuration(method string, err error, duration time.Duration) {
	var errString string
	if err != nil {
		errString = err.Error()
	}

	promResponseDurationMilliseconds.
		WithLabelValues(method, errString).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
