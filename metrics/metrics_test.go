package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("nil metrics record nothing", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.SetResidentRooms(1)
			m.SetLiveSessions(1)
			m.AddOperationApplied("add")
			m.AddOperationDropped("update", "not_joined")
			m.AddLoad(true)
			m.ObserveWrite(0.1, true)
			m.AddEviction()
			m.AddRoomExpired()
			m.AddJoinRejected("room_full")
		})
	})

	t.Run("counters", func(t *testing.T) {
		m, err := NewMetrics()
		require.NoError(t, err)

		m.AddOperationApplied("add")
		m.AddOperationApplied("add")
		m.AddLoad(false)
		m.AddLoad(true)
		m.ObserveWrite(0.01, false)
		m.SetResidentRooms(3)

		assert.Equal(t, float64(2), testutil.ToFloat64(m.operationsApplied.WithLabelValues("add")))
		assert.Equal(t, float64(2), testutil.ToFloat64(m.loads))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.loadsFailed))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.writes))
		assert.Equal(t, float64(0), testutil.ToFloat64(m.writesFailed))
		assert.Equal(t, float64(3), testutil.ToFloat64(m.residentRooms))
	})

	t.Run("handler exposes registry", func(t *testing.T) {
		m, err := NewMetrics()
		require.NoError(t, err)
		m.AddRoomExpired()

		w := httptest.NewRecorder()
		m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), "whiteboard_rooms_expired_total 1"))
	})
}
