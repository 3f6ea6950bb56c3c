//go:build unix

package instance

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// deadLivenessSource lets a test force LivenessCheck to report the
// stub as dead without a real rendezvous block.
type deadLivenessSource struct{}

func (deadLivenessSource) IsStubAlive() bool { return false }

func TestHealthChecksLiveEndpointReflectsRegisteredInstances(t *testing.T) {
	m := newTestManager(t, &bytes.Buffer{}, nil)

	m.instances.Set("alive-model", &Instance{})
	m.health.Register("alive-model", noopLivenessSource{}, nil)

	m.instances.Set("dead-model", &Instance{})
	m.health.Register("dead-model", deadLivenessSource{}, nil)

	h := HealthChecks(m)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	h.LiveEndpoint(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "one dead instance must fail the aggregate liveness check")
}

func TestHealthChecksLiveEndpointHealthyWhenAllAlive(t *testing.T) {
	m := newTestManager(t, &bytes.Buffer{}, nil)

	m.instances.Set("model-a", &Instance{})
	m.health.Register("model-a", noopLivenessSource{}, nil)
	m.instances.Set("model-b", &Instance{})
	m.health.Register("model-b", noopLivenessSource{}, nil)

	h := HealthChecks(m)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	h.LiveEndpoint(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthChecksSnapshotsNamesAtCallTime(t *testing.T) {
	m := newTestManager(t, &bytes.Buffer{}, nil)
	h := HealthChecks(m)

	m.instances.Set("model-a", &Instance{})
	m.health.Register("model-a", deadLivenessSource{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	h.LiveEndpoint(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "a handler built before registration has no checks for instances added afterward")
}
