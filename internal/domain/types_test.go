package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestErrorClassRetryable(t *testing.T) {
	cases := map[ErrorClass]bool{
		ClassRateLimit: true,
		ClassNetwork:   true,
		ClassUnknown:   true,
		ClassAuth:      false,
		ClassNotFound:  false,
		ClassNone:      false,
	}
	for class, want := range cases {
		require.Equal(t, want, class.Retryable(), "class %s", class)
	}
}

func TestQueueSnapshotMarshalsMilliseconds(t *testing.T) {
	data, err := json.Marshal(QueueSnapshot{
		Completed:     3,
		AvgProcessing: 250 * time.Millisecond,
		Healthy:       true,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, float64(250), got["avg_processing_ms"])
	require.Equal(t, float64(3), got["completed"])
}
