package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate_Deterministic(t *testing.T) {
	e := NewEstimator()

	text := "how do goroutines differ from OS threads?"
	first := e.Estimate("gpt-4", text)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, e.Estimate("gpt-4", text))
	}
}

func TestEstimate_GrowsWithLength(t *testing.T) {
	e := NewEstimator()

	short := e.Estimate("gpt-4", "hi")
	long := e.Estimate("gpt-4", strings.Repeat("hello world ", 200))
	assert.Greater(t, long, short)
	assert.Positive(t, short)
}

func TestEstimate_UnknownModelStillEstimates(t *testing.T) {
	e := NewEstimator()

	got := e.Estimate("definitely-not-a-model", "some message text here")
	assert.Positive(t, got)
}
