package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/url-shortener/registry/internal/api"
	"github.com/zhejian/url-shortener/registry/internal/model"
	"github.com/zhejian/url-shortener/registry/internal/service"
)

// MockLinkService mocks the service layer
type MockLinkService struct {
	mock.Mock
}

func (m *MockLinkService) CreateShortURL(ctx context.Context, req *model.CreateLinkRequest) (*model.LinkRecord, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LinkRecord), args.Error(1)
}

func (m *MockLinkService) CreateBatch(ctx context.Context, reqs []model.CreateLinkRequest) ([]*model.LinkRecord, error) {
	args := m.Called(ctx, reqs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.LinkRecord), args.Error(1)
}

func (m *MockLinkService) FindByCode(ctx context.Context, code string) (*model.LinkRecord, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LinkRecord), args.Error(1)
}

func (m *MockLinkService) RecordClick(ctx context.Context, code, source string) error {
	args := m.Called(ctx, code, source)
	return args.Error(0)
}

func (m *MockLinkService) ListAll(ctx context.Context) ([]*model.LinkRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.LinkRecord), args.Error(1)
}

func (m *MockLinkService) GetStats(ctx context.Context, code string) (*model.LinkRecord, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LinkRecord), args.Error(1)
}

func (m *MockLinkService) Redirect(ctx context.Context, code, source string) (string, error) {
	args := m.Called(ctx, code, source)
	return args.String(0), args.Error(1)
}

// MockPinger for health check
type MockPinger struct {
	shouldFail bool
}

func (m *MockPinger) Ping(ctx context.Context) error {
	if m.shouldFail {
		return assert.AnError
	}
	return nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(svc service.LinkServiceInterface, checks map[string]api.HealthChecker) *gin.Engine {
	r := gin.New()
	api.NewHandler(svc, checks, nil, nil).RegisterRoutes(r)
	return r
}

func doRequest(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorResponse {
	t.Helper()
	var response model.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func sampleLink(code string) *model.LinkRecord {
	created := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)
	return &model.LinkRecord{
		ShortCode: code,
		LongURL:   "https://example.com",
		ShortURL:  "http://localhost:8080/" + code,
		CreatedAt: created,
		ExpiresAt: created.Add(30 * time.Minute),
		Clicks:    []model.ClickEvent{},
	}
}

func TestHandler_HealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		dbFail     bool
		cacheFail  bool
		wantCode   int
		wantStatus string
	}{
		{"returns ok when all dependencies are healthy", false, false, http.StatusOK, "ok"},
		{"returns degraded when cache is down", false, true, http.StatusServiceUnavailable, "degraded"},
		{"returns degraded when database is down", true, false, http.StatusServiceUnavailable, "degraded"},
		{"returns degraded when both dependencies are down", true, true, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(new(MockLinkService), map[string]api.HealthChecker{
				"database": &MockPinger{shouldFail: tt.dbFail},
				"cache":    &MockPinger{shouldFail: tt.cacheFail},
			})

			w := doRequest(router, "GET", "/health", "")
			assert.Equal(t, tt.wantCode, w.Code)

			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.wantStatus, response["status"])

			deps := response["dependencies"].(map[string]interface{})
			want := func(fail bool) string {
				if fail {
					return "down"
				}
				return "up"
			}
			assert.Equal(t, want(tt.cacheFail), deps["cache"])
			assert.Equal(t, want(tt.dbFail), deps["database"])
		})
	}

	t.Run("returns ok with no remote dependencies", func(t *testing.T) {
		w := doRequest(newRouter(new(MockLinkService), nil), "GET", "/health", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHandler_CreateShortURL(t *testing.T) {
	t.Run("returns 201 when link is successfully created", func(t *testing.T) {
		mockService := new(MockLinkService)
		mockService.On("CreateShortURL", mock.Anything, mock.MatchedBy(func(req *model.CreateLinkRequest) bool {
			return req.LongURL == "https://example.com" && req.Validity != nil && *req.Validity == 5
		})).Return(sampleLink("abc123"), nil)

		w := doRequest(newRouter(mockService, nil), "POST", "/api/v1/shorten",
			`{"longUrl": "https://example.com", "validity": 5}`)

		assert.Equal(t, http.StatusCreated, w.Code)

		var response model.LinkRecord
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "abc123", response.ShortCode)
		assert.Equal(t, "http://localhost:8080/abc123", response.ShortURL)

		mockService.AssertExpectations(t)
	})

	t.Run("returns 400 when request body is invalid JSON", func(t *testing.T) {
		mockService := new(MockLinkService)

		w := doRequest(newRouter(mockService, nil), "POST", "/api/v1/shorten", `{invalid json}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Bad Request", decodeError(t, w).Error)
		mockService.AssertNotCalled(t, "CreateShortURL", mock.Anything, mock.Anything)
	})

	errorCases := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"returns 400 when URL is invalid", service.ErrInvalidURL, http.StatusBadRequest, "Invalid URL"},
		{"returns 400 when validity is invalid", service.ErrInvalidValidity, http.StatusBadRequest, "Validity must be at least one minute"},
		{"returns 400 when custom code is invalid", service.ErrInvalidAlias, http.StatusBadRequest, "Invalid custom code"},
		{"returns 409 when custom code already exists", service.ErrCodeExists, http.StatusConflict, "Custom code already exists"},
		{"returns 500 on unexpected error", assert.AnError, http.StatusInternalServerError, "Internal server error"},
	}

	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			mockService := new(MockLinkService)
			mockService.On("CreateShortURL", mock.Anything, mock.Anything).Return(nil, tc.err)

			w := doRequest(newRouter(mockService, nil), "POST", "/api/v1/shorten",
				`{"longUrl": "https://example.com", "customCode": "taken"}`)

			assert.Equal(t, tc.wantCode, w.Code)
			response := decodeError(t, w)
			assert.Equal(t, http.StatusText(tc.wantCode), response.Error)
			assert.Equal(t, tc.wantMsg, response.Message)
			assert.Nil(t, response.Index)

			mockService.AssertExpectations(t)
		})
	}
}

func TestHandler_CreateBatch(t *testing.T) {
	t.Run("returns 201 with every created link", func(t *testing.T) {
		mockService := new(MockLinkService)
		mockService.On("CreateBatch", mock.Anything, mock.MatchedBy(func(reqs []model.CreateLinkRequest) bool {
			return len(reqs) == 2 && reqs[1].CustomCode == "bee"
		})).Return([]*model.LinkRecord{sampleLink("aaa111"), sampleLink("bee")}, nil)

		w := doRequest(newRouter(mockService, nil), "POST", "/api/v1/shorten/batch",
			`{"links": [{"longUrl": "https://a.com"}, {"longUrl": "https://b.com", "customCode": "bee"}]}`)

		assert.Equal(t, http.StatusCreated, w.Code)

		var response model.BatchCreateResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		require.Len(t, response.Links, 2)
		assert.Equal(t, "bee", response.Links[1].ShortCode)

		mockService.AssertExpectations(t)
	})

	t.Run("reports the failing entry index", func(t *testing.T) {
		mockService := new(MockLinkService)
		mockService.On("CreateBatch", mock.Anything, mock.Anything).
			Return(nil, &service.BatchError{Index: 1, Err: service.ErrInvalidURL})

		w := doRequest(newRouter(mockService, nil), "POST", "/api/v1/shorten/batch",
			`{"links": [{"longUrl": "https://a.com"}, {"longUrl": "nope"}]}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		response := decodeError(t, w)
		assert.Equal(t, "Invalid URL", response.Message)
		require.NotNil(t, response.Index)
		assert.Equal(t, 1, *response.Index)
	})

	t.Run("returns 409 when a code in the batch is taken", func(t *testing.T) {
		mockService := new(MockLinkService)
		mockService.On("CreateBatch", mock.Anything, mock.Anything).
			Return([]*model.LinkRecord{sampleLink("aaa111")}, &service.BatchError{Index: 1, Err: service.ErrCodeExists})

		w := doRequest(newRouter(mockService, nil), "POST", "/api/v1/shorten/batch",
			`{"links": [{"longUrl": "https://a.com"}, {"longUrl": "https://b.com", "customCode": "taken"}]}`)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("returns 400 for oversized batch", func(t *testing.T) {
		mockService := new(MockLinkService)
		mockService.On("CreateBatch", mock.Anything, mock.Anything).Return(nil, service.ErrBatchTooLarge)

		w := doRequest(newRouter(mockService, nil), "POST", "/api/v1/shorten/batch", `{"links": []}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Too many links in one request", decodeError(t, w).Message)
	})
}

func TestHandler_ListURLs(t *testing.T) {
	t.Run("returns every link with total", func(t *testing.T) {
		mockService := new(MockLinkService)
		mockService.On("ListAll", mock.Anything).Return([]*model.LinkRecord{sampleLink("one"), sampleLink("two")}, nil)

		w := doRequest(newRouter(mockService, nil), "GET", "/api/v1/urls", "")

		assert.Equal(t, http.StatusOK, w.Code)
		var response model.LinkListResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, 2, response.Total)
		assert.Equal(t, "one", response.Links[0].ShortCode)
	})

	t.Run("returns 500 when the store fails", func(t *testing.T) {
		mockService := new(MockLinkService)
		mockService.On("ListAll", mock.Anything).Return(nil, assert.AnError)

		w := doRequest(newRouter(mockService, nil), "GET", "/api/v1/urls", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHandler_GetStats(t *testing.T) {
	t.Run("returns 200 with click history", func(t *testing.T) {
		link := sampleLink("abc123")
		link.AddClick(model.NewClickEvent(link.CreatedAt.Add(time.Minute), ""))

		mockService := new(MockLinkService)
		mockService.On("GetStats", mock.Anything, "abc123").Return(link, nil)

		w := doRequest(newRouter(mockService, nil), "GET", "/api/v1/urls/abc123", "")

		assert.Equal(t, http.StatusOK, w.Code)
		var response model.LinkRecord
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, int64(1), response.ClickCount)
		require.Len(t, response.Clicks, 1)
		assert.Equal(t, model.DirectSource, response.Clicks[0].Source)

		mockService.AssertExpectations(t)
	})

	t.Run("returns 404 when link not found", func(t *testing.T) {
		mockService := new(MockLinkService)
		mockService.On("GetStats", mock.Anything, "notfound").Return(nil, service.ErrLinkNotFound)

		w := doRequest(newRouter(mockService, nil), "GET", "/api/v1/urls/notfound", "")

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Link not found", decodeError(t, w).Message)
	})
}

func TestHandler_Redirect(t *testing.T) {
	t.Run("returns 302 redirect and passes the referrer", func(t *testing.T) {
		mockService := new(MockLinkService)
		mockService.On("Redirect", mock.Anything, "abc123", "https://news.example").Return("https://example.com", nil)

		req := httptest.NewRequest("GET", "/abc123", nil)
		req.Header.Set("Referer", "https://news.example")
		w := httptest.NewRecorder()
		newRouter(mockService, nil).ServeHTTP(w, req)

		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "https://example.com", w.Header().Get("Location"))

		mockService.AssertExpectations(t)
	})

	t.Run("direct visit has an empty source", func(t *testing.T) {
		mockService := new(MockLinkService)
		mockService.On("Redirect", mock.Anything, "abc123", "").Return("https://example.com", nil)

		w := doRequest(newRouter(mockService, nil), "GET", "/abc123", "")

		assert.Equal(t, http.StatusFound, w.Code)
		mockService.AssertExpectations(t)
	})

	for _, err := range []error{service.ErrLinkNotFound, service.ErrLinkExpired} {
		t.Run(fmt.Sprintf("returns 404 for %v", err), func(t *testing.T) {
			mockService := new(MockLinkService)
			mockService.On("Redirect", mock.Anything, "gone", "").Return("", err)

			w := doRequest(newRouter(mockService, nil), "GET", "/gone", "")

			assert.Equal(t, http.StatusNotFound, w.Code)
			response := decodeError(t, w)
			assert.Equal(t, "Not Found", response.Error)
			assert.Equal(t, api.MsgLinkUnavailable, response.Message)
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("links_created_total 3\n"))
	})

	r := gin.New()
	api.NewHandler(new(MockLinkService), nil, metrics, nil).RegisterRoutes(r)

	w := doRequest(r, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "links_created_total")
}
