package docstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlancelot/fantastic-spork-sub001/config"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/retry"
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
)

var _ core.DocumentStore = (*Client)(nil)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts := Options{BaseURL: srv.URL, Timeout: 2 * time.Second}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewClient(opts)
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "valid", opts: Options{BaseURL: "http://docs.internal:8090/"}},
		{name: "missing base url", opts: Options{}, wantErr: true},
		{name: "relative base url", opts: Options{BaseURL: "docs"}, wantErr: true},
		{name: "bad id path", opts: Options{BaseURL: "http://docs", IDPath: "a[["}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestClient_Insert(t *testing.T) {
	var gotBody []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/collections/hotels/documents", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"doc-42"}}`))
	}, func(o *Options) {
		o.APIKey = "secret"
		o.IDPath = "data.id"
	})

	id, err := c.Insert(context.Background(), core.Document{
		Collection: "hotels",
		Data:       json.RawMessage(`{"name":"Alfama Inn"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-42", id)
	assert.JSONEq(t, `{"name":"Alfama Inn"}`, string(gotBody))
}

func TestClient_InsertIDShapes(t *testing.T) {
	tests := []struct {
		name      string
		response  string
		wantID    string
		malformed bool
	}{
		{name: "string id", response: `{"id":"abc"}`, wantID: "abc"},
		{name: "numeric id", response: `{"id":1234567}`, wantID: "1234567"},
		{name: "missing id", response: `{"ok":true}`, malformed: true},
		{name: "empty id", response: `{"id":""}`, malformed: true},
		{name: "not json", response: `created`, malformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.response))
			})
			id, err := c.Insert(context.Background(), core.Document{Collection: "hotels", Data: json.RawMessage(`{}`)})
			if tt.malformed {
				var malformed *MalformedResponseError
				require.ErrorAs(t, err, &malformed)
				assert.True(t, retry.IsTerminal(err), "a write that may have landed must not be retried")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestClient_InsertValidation(t *testing.T) {
	called := false
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) { called = true })

	_, err := c.Insert(context.Background(), core.Document{Collection: "", Data: json.RawMessage(`{}`)})
	assert.True(t, apperrors.IsValidation(err))
	_, err = c.Insert(context.Background(), core.Document{Collection: "a/b", Data: json.RawMessage(`{}`)})
	assert.True(t, apperrors.IsValidation(err))
	_, err = c.Insert(context.Background(), core.Document{Collection: "hotels", Data: json.RawMessage(`{`)})
	assert.True(t, apperrors.IsValidation(err))
	assert.False(t, called)
}

func TestClient_GetAndPatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/hotels/documents/doc-1", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"name":"Alfama Inn","stars":4}`))
		case http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"stars":5}`, string(body))
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})

	doc, err := c.Get(context.Background(), "hotels", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", doc.ID)
	assert.Equal(t, "hotels", doc.Collection)
	assert.JSONEq(t, `{"name":"Alfama Inn","stars":4}`, string(doc.Data))

	require.NoError(t, c.Patch(context.Background(), "hotels", "doc-1", json.RawMessage(`{"stars":5}`)))

	_, err = c.Get(context.Background(), "hotels", " ")
	assert.True(t, apperrors.IsValidation(err))
	err = c.Patch(context.Background(), "hotels", "doc-1", nil)
	assert.True(t, apperrors.IsValidation(err))
}

func TestClient_StatusClassification(t *testing.T) {
	classifier := retry.DefaultClassifier()

	tests := []struct {
		status    int
		wantCode  apperrors.ErrorCode
		wantClass retry.Class
	}{
		{status: http.StatusBadRequest, wantCode: apperrors.ErrCodeValidation, wantClass: retry.Terminal},
		{status: http.StatusUnprocessableEntity, wantCode: apperrors.ErrCodeValidation, wantClass: retry.Terminal},
		{status: http.StatusUnauthorized, wantCode: apperrors.ErrCodeUnauthorized, wantClass: retry.Terminal},
		{status: http.StatusForbidden, wantCode: apperrors.ErrCodePermissionDenied, wantClass: retry.Terminal},
		{status: http.StatusNotFound, wantCode: apperrors.ErrCodeNotFound, wantClass: retry.Terminal},
		{status: http.StatusConflict, wantCode: apperrors.ErrCodeConflict, wantClass: retry.Terminal},
		{status: http.StatusRequestTimeout, wantCode: apperrors.ErrCodeUnavailable, wantClass: retry.Retryable},
		{status: http.StatusTooManyRequests, wantCode: apperrors.ErrCodeRateLimited, wantClass: retry.Retryable},
		{status: http.StatusInternalServerError, wantCode: apperrors.ErrCodeUnavailable, wantClass: retry.Retryable},
		{status: http.StatusBadGateway, wantCode: apperrors.ErrCodeUnavailable, wantClass: retry.Retryable},
		{status: http.StatusServiceUnavailable, wantCode: apperrors.ErrCodeUnavailable, wantClass: retry.Retryable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "upstream says no", tt.status)
			})
			_, err := c.Get(context.Background(), "hotels", "doc-1")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.GetCode(err))
			assert.Equal(t, tt.wantClass, classifier.Classify(err))
			assert.Contains(t, err.Error(), "upstream says no")
		})
	}
}

func TestStatusError_TruncatesBody(t *testing.T) {
	body := make([]byte, 4*maxErrorBodyBytes)
	for i := range body {
		body[i] = 'x'
	}
	err := StatusError(http.StatusBadGateway, body)
	assert.Less(t, len(err.Error()), 2*maxErrorBodyBytes)
}

func TestClient_TransportErrors(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		base := srv.URL
		srv.Close()

		c, err := NewClient(Options{BaseURL: base, Timeout: time.Second})
		require.NoError(t, err)
		_, err = c.Get(context.Background(), "hotels", "doc-1")
		require.Error(t, err)
		assert.True(t, apperrors.IsUnavailable(err))
		assert.Equal(t, retry.Retryable, retry.DefaultClassifier().Classify(err))
	})

	t.Run("canceled", func(t *testing.T) {
		c := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.Get(ctx, "hotels", "doc-1")
		require.ErrorIs(t, err, context.Canceled)
		assert.True(t, retry.IsTerminal(err))
	})
}

func TestNewFromConfig_OAuth(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(tokenSrv.Close)

	docSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"doc-9"}`))
	}))
	t.Cleanup(docSrv.Close)

	cfg := config.DocStoreConfig{
		BaseURL:      docSrv.URL,
		APIKey:       "ignored-when-oauth",
		IDPath:       "id",
		Timeout:      2 * time.Second,
		TokenURL:     tokenSrv.URL,
		ClientID:     "tripcore",
		ClientSecret: "s3cret",
	}
	c, err := NewFromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)

	id, err := c.Insert(context.Background(), core.Document{Collection: "hotels", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "doc-9", id)
}
