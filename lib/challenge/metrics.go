package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a402_challenges_issued_total",
		Help: "The total number of payment challenges issued",
	}, []string{"chain"})

	tokensRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a402_challenge_tokens_rejected_total",
		Help: "The total number of challenge tokens that failed verification",
	}, []string{"reason"})
)
