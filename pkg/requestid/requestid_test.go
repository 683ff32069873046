package requestid_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitfusion/billing/pkg/logger"
	"github.com/fitfusion/billing/pkg/requestid"
)

func serve(t *testing.T, mw func(http.Handler) http.Handler, header http.Header) (ctxID, respID string) {
	t.Helper()
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = requestid.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	return ctxID, rec.Header().Get(requestid.Header)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("generates id when absent", func(t *testing.T) {
		t.Parallel()
		ctxID, respID := serve(t, requestid.Middleware(), nil)
		assert.NotEmpty(t, ctxID)
		assert.Equal(t, ctxID, respID)
	})

	t.Run("reuses valid incoming id", func(t *testing.T) {
		t.Parallel()
		h := http.Header{}
		h.Set(requestid.Header, "req-123")
		ctxID, respID := serve(t, requestid.Middleware(), h)
		assert.Equal(t, "req-123", ctxID)
		assert.Equal(t, "req-123", respID)
	})

	t.Run("adopts fallback header", func(t *testing.T) {
		t.Parallel()
		h := http.Header{}
		h.Set("X-Webhook-ID", "wh_01HX")
		ctxID, _ := serve(t, requestid.Middleware("X-Webhook-ID"), h)
		assert.Equal(t, "wh_01HX", ctxID)
	})

	invalid := []string{
		"test request id",
		"test/request/id",
		"<script>alert(1)</script>",
		strings.Repeat("a", 129),
	}
	for _, id := range invalid {
		t.Run("replaces invalid "+id[:min(len(id), 16)], func(t *testing.T) {
			t.Parallel()
			h := http.Header{}
			h.Set(requestid.Header, id)
			ctxID, respID := serve(t, requestid.Middleware(), h)
			assert.NotEqual(t, id, ctxID)
			assert.Equal(t, ctxID, respID)
		})
	}
}

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	assert.Empty(t, requestid.FromContext(context.Background()))

	ctx, cancel := context.WithCancel(requestid.WithContext(context.Background(), "abc"))
	cancel()
	detached := requestid.Detach(ctx)
	assert.Equal(t, "abc", requestid.FromContext(detached))
	assert.NoError(t, detached.Err())
}

func TestLogExtractor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(
		logger.WithOutput(&buf),
		logger.WithFormat(logger.FormatJSON),
		logger.WithContextExtractors(requestid.LogExtractor()),
	)
	log.InfoContext(requestid.WithContext(context.Background(), "req-9"), "hello")
	assert.Contains(t, buf.String(), `"request_id":"req-9"`)
}
