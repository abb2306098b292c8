package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveDelivery(t *testing.T) {
	before := testutil.ToFloat64(BusDeliveries.WithLabelValues("trade-intents", "risk", "ack"))
	ObserveDelivery("trade-intents", "risk", "ack")
	ObserveDelivery("trade-intents", "risk", "ack")
	assert.Equal(t, before+2, testutil.ToFloat64(BusDeliveries.WithLabelValues("trade-intents", "risk", "ack")))
}

func TestGauges(t *testing.T) {
	PortfolioCash.Set(990)
	assert.Equal(t, 990.0, testutil.ToFloat64(PortfolioCash))
}
