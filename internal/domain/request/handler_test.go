package request

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dental/clinic/internal/platform/apperr"
	"github.com/dental/clinic/internal/platform/auth"
)

// newTestServer mounts the handler the way the server does, with roles taken
// from the X-Test-Roles header.
func newTestServer(f *fixture) *echo.Echo {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if roles := c.Request().Header.Get("X-Test-Roles"); roles != "" {
				ctx := auth.WithUser(c.Request().Context(), "user-1", strings.Split(roles, ","))
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	})
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"), e.Group("/api/v1/public"))
	return e
}

func do(e *echo.Echo, method, path, roles, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if roles != "" {
		req.Header.Set("X-Test-Roles", roles)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Submit(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	rec := do(e, http.MethodPost, "/api/v1/public/appointment-requests", "",
		`{"name":"Somchai","phone":"0812345678","email":"a@b.com","preferred_date":"2025-03-01","preferred_time":"10:00 AM","service_type":"General Checkup"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "REQ-2025-00001", body["request_id"])
	assert.Equal(t, "pending", body["status"])
	pref := body["preference"].(map[string]interface{})
	assert.Equal(t, "2025-03-01", pref["preferred_date"])
}

func TestHandler_Submit_Invalid(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	rec := do(e, http.MethodPost, "/api/v1/public/appointment-requests", "",
		`{"name":"Somchai","phone":"123","email":"a@b.com","preferred_date":"2025-03-01","preferred_time":"10:00","service_type":"Cleaning"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body apperr.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Code)
	assert.Equal(t, "phone", body.Field)
}

func TestHandler_StaffRoutesRequireRole(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)
	req := f.submit(t)

	rec := do(e, http.MethodGet, "/api/v1/appointment-requests/"+req.RequestID, "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/appointment-requests/"+req.RequestID, "patient", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/appointment-requests/"+req.RequestID, auth.RoleStaff, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_TransitionConfirm(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)
	req := f.submit(t)

	body := `{"status":"confirmed","patient_id":"` + f.patient.ID.String() + `","start_time":"09:00","end_time":"09:30"}`
	rec := do(e, http.MethodPost, "/api/v1/appointment-requests/"+req.RequestID+"/transitions", auth.RoleStaff, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "confirmed", got["status"])
	appt, ok := got["appointment"].(map[string]interface{})
	require.True(t, ok, "expected appointment summary")
	assert.Equal(t, "09:00", appt["start_time"])
}

func TestHandler_TransitionStepErrors(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)
	req := f.submit(t)
	path := "/api/v1/appointment-requests/" + req.RequestID + "/transitions"

	tests := []struct {
		name string
		body string
		step apperr.Step
	}{
		{"no patient", `{"status":"confirmed","start_time":"09:00","end_time":"09:30"}`, apperr.StepPatient},
		{"end before start", `{"status":"confirmed","patient_id":"` + f.patient.ID.String() + `","start_time":"09:00","end_time":"08:30"}`, apperr.StepSchedule},
		{"bad date", `{"status":"confirmed","patient_id":"` + f.patient.ID.String() + `","date":"1/3/2025","start_time":"09:00","end_time":"09:30"}`, apperr.StepSchedule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, path, auth.RoleStaff, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var body apperr.ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.step, body.Step)
		})
	}
	assertStatus(t, f, req.RequestID, StatusPending)
}

func TestHandler_TransitionInvalid(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)
	req := f.submit(t)
	f.at(req.RequestID, StatusCompleted)

	rec := do(e, http.MethodPost, "/api/v1/appointment-requests/"+req.RequestID+"/transitions", auth.RoleStaff, `{"status":"contacted"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/appointment-requests/"+req.RequestID+"/transitions", auth.RoleStaff, `{"status":"archived"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/appointment-requests/REQ-2025-00042/transitions", auth.RoleStaff, `{"status":"contacted"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_RequiredRole(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	rec := do(e, http.MethodGet, "/api/v1/appointment-requests/required-role?from=confirmed&to=cancelled", auth.RoleStaff, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, auth.RoleManager, body["role"])

	rec = do(e, http.MethodGet, "/api/v1/appointment-requests/required-role?from=completed&to=pending", auth.RoleStaff, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/appointment-requests/required-role?from=nowhere&to=pending", auth.RoleStaff, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_List(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)
	for i := 0; i < 3; i++ {
		f.submit(t)
	}

	rec := do(e, http.MethodGet, "/api/v1/appointment-requests?status=pending&page_size=2", auth.RoleStaff, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data       []map[string]interface{} `json:"data"`
		Total      int                      `json:"total"`
		PageSize   int                      `json:"page_size"`
		TotalPages int                      `json:"total_pages"`
		HasMore    bool                     `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 2)
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 2, body.TotalPages)
	assert.True(t, body.HasMore)

	for _, q := range []string{"status=lost", "page=0", "page_size=500", "page=abc"} {
		rec := do(e, http.MethodGet, "/api/v1/appointment-requests?"+q, auth.RoleStaff, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHandler_MarkNotified(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)
	req := f.submit(t)
	path := "/api/v1/appointment-requests/" + req.RequestID + "/notifications"

	rec := do(e, http.MethodPost, path, auth.RoleStaff, `{"channel":"email","success":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["email_sent"])
	assert.Equal(t, false, body["sms_sent"])

	rec = do(e, http.MethodPost, path, auth.RoleStaff, `{"channel":"pigeon","success":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
