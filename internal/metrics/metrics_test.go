package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordMutation(t *testing.T) {
	before := testutil.ToFloat64(MutationCount.WithLabelValues("submit", "ok"))
	RecordMutation("submit", "ok")
	RecordMutation("submit", "ok")
	assert.Equal(t, before+2, testutil.ToFloat64(MutationCount.WithLabelValues("submit", "ok")))
}

func TestRecordSignature(t *testing.T) {
	before := testutil.ToFloat64(SignatureCount.WithLabelValues("customer"))
	RecordSignature("customer")
	assert.Equal(t, before+1, testutil.ToFloat64(SignatureCount.WithLabelValues("customer")))
}
