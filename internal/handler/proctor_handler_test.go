package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-proctor-api/internal/config"
	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/events"
	"github.com/noah-isme/gema-proctor-api/internal/framestore"
	"github.com/noah-isme/gema-proctor-api/internal/handler"
	"github.com/noah-isme/gema-proctor-api/internal/liveness"
	"github.com/noah-isme/gema-proctor-api/internal/service"
)

type stubResultService struct {
	result dto.SessionResultResponse
	err    error
}

func (s stubResultService) SessionResult(context.Context, service.Actor, uuid.UUID) (dto.SessionResultResponse, error) {
	return s.result, s.err
}

func (s stubResultService) ExamResults(context.Context, service.Actor, uuid.UUID) ([]dto.ExamResultRow, error) {
	return []dto.ExamResultRow{}, s.err
}

type stubOverrideService struct {
	err      error
	received *dto.OverrideRequest
}

func (s *stubOverrideService) Override(_ context.Context, _ service.Actor, sessionID, questionID uuid.UUID, payload dto.OverrideRequest) (dto.OverrideResponse, error) {
	s.received = &payload
	if s.err != nil {
		return dto.OverrideResponse{}, s.err
	}
	return dto.OverrideResponse{
		SessionID: sessionID,
		Response:  dto.ResponseView{QuestionID: questionID, Score: payload.Score, GradingState: "manual", ManuallyGraded: true},
	}, nil
}

type stubProctoringService struct {
	err   error
	frame framestore.Frame
}

func (s stubProctoringService) ReportViolation(_ context.Context, _ uuid.UUID, payload dto.ViolationRequest) (dto.IntegrityResponse, error) {
	if s.err != nil {
		return dto.IntegrityResponse{}, s.err
	}
	return dto.IntegrityResponse{SessionID: uuid.MustParse(payload.SessionID), IntegrityScore: 70}, nil
}

func (s stubProctoringService) SubmitFrame(context.Context, uuid.UUID, dto.FrameRequest) (dto.DetectionResponse, error) {
	return dto.DetectionResponse{}, s.err
}

func (s stubProctoringService) SubmitAudio(context.Context, uuid.UUID, dto.AudioRequest) (dto.DetectionResponse, error) {
	return dto.DetectionResponse{}, s.err
}

func (s stubProctoringService) SubmitRAF(context.Context, uuid.UUID, dto.RAFRequest) (dto.DetectionResponse, error) {
	return dto.DetectionResponse{}, s.err
}

func (s stubProctoringService) SubmitTranscript(context.Context, uuid.UUID, dto.TranscriptRequest) (dto.TranscriptResponse, error) {
	return dto.TranscriptResponse{}, s.err
}

func (s stubProctoringService) Integrity(_ context.Context, sessionID uuid.UUID) (dto.IntegrityResponse, error) {
	return dto.IntegrityResponse{SessionID: sessionID, IntegrityScore: 100}, s.err
}

func (s stubProctoringService) LatestFrame(context.Context, uuid.UUID) (framestore.Frame, error) {
	return s.frame, s.err
}

type stubMonitorService struct {
	updates chan events.Event
	err     error
}

func (s stubMonitorService) LiveSessions(context.Context, service.Actor, uuid.UUID) ([]dto.LiveSessionView, error) {
	return []dto.LiveSessionView{}, s.err
}

func (s stubMonitorService) Stream(context.Context, service.Actor, uuid.UUID) (<-chan events.Event, func(), error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.updates, func() {}, nil
}

type stubFaceService struct {
	err error
}

func (s stubFaceService) Verify(context.Context, uuid.UUID, dto.FaceVerifyRequest) (dto.FaceVerifyResponse, error) {
	if s.err != nil {
		return dto.FaceVerifyResponse{}, s.err
	}
	return dto.FaceVerifyResponse{Outcome: "verified", MatchedPoses: 3}, nil
}

func withUser(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("user_id", uuid.New())
		c.Locals("user_role", role)
		return c.Next()
	}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func TestSessionResultReturnsAcceptedWhileGrading(t *testing.T) {
	app := fiber.New()
	h := handler.NewResultHandler(stubResultService{err: service.ErrGradingInProgress}, &stubOverrideService{}, zerolog.Nop())
	h.Register(app.Group("/results", withUser("student")))

	sessionID := uuid.New()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/results/sessions/"+sessionID.String(), nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	payload := decodeBody(t, resp)
	data := payload["data"].(map[string]interface{})
	require.Equal(t, "grading", data["status"])
	require.Equal(t, sessionID.String(), data["session_id"])
}

func TestSessionResultRejectsMalformedID(t *testing.T) {
	app := fiber.New()
	h := handler.NewResultHandler(stubResultService{}, &stubOverrideService{}, zerolog.Nop())
	h.Register(app.Group("/results", withUser("student")))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/results/sessions/not-a-uuid", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionResultContract(t *testing.T) {
	schemaPath, err := filepath.Abs(filepath.Join("testdata", "session_result.schema.json"))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile("file://" + filepath.ToSlash(schemaPath))
	require.NoError(t, err)

	now := time.Now().UTC()
	full, partial := 5.0, 6.5
	result := dto.SessionResultResponse{
		SessionID:        uuid.New(),
		Status:           "graded",
		TotalScore:       11.5,
		MaxScore:         19,
		IntegrityScore:   72.5,
		ViolationSummary: map[string]int64{"phone_detected": 1, "tab_switch": 2},
		GeneratedAt:      now,
		Responses: []dto.ResponseView{
			{
				QuestionID:     uuid.New(),
				QuestionType:   "mcq",
				Answer:         "B",
				Score:          &full,
				Marks:          5,
				GradingState:   "auto_graded",
				Breakdown:      map[string]interface{}{"correct": true, "answered": true},
				GradedAt:       &now,
				ManuallyGraded: false,
			},
			{
				QuestionID:       uuid.New(),
				QuestionType:     "subjective",
				Answer:           "hashing maps keys",
				Score:            &partial,
				Marks:            10,
				GradingState:     "manual",
				ManuallyGraded:   true,
				OverrideNote:     "partial credit",
				TimeSpentSeconds: 240,
			},
		},
	}

	app := fiber.New()
	h := handler.NewResultHandler(stubResultService{result: result}, &stubOverrideService{}, zerolog.Nop())
	h.Register(app.Group("/results", withUser("student")))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/results/sessions/"+result.SessionID.String(), nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var payload interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.NoError(t, schema.Validate(payload))
}

func TestOverrideStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		role   string
		err    error
		status int
	}{
		{name: "stored", role: "professor", status: http.StatusOK},
		{name: "admin allowed", role: "admin", status: http.StatusOK},
		{name: "student blocked", role: "student", status: http.StatusForbidden},
		{name: "above marks", role: "professor", err: service.ErrScoreExceedsMax, status: http.StatusUnprocessableEntity},
		{name: "not owner", role: "professor", err: service.ErrForbidden, status: http.StatusForbidden},
		{name: "unknown response", role: "professor", err: service.ErrResponseNotFound, status: http.StatusNotFound},
		{name: "lock contention", role: "professor", err: service.ErrConcurrentUpdate, status: http.StatusConflict},
		{name: "unexpected", role: "professor", err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			overrides := &stubOverrideService{err: tc.err}
			app := fiber.New()
			h := handler.NewResultHandler(stubResultService{}, overrides, zerolog.Nop())
			h.Register(app.Group("/results", withUser(tc.role)))

			url := "/results/sessions/" + uuid.NewString() + "/responses/" + uuid.NewString() + "/override"
			req := httptest.NewRequest(http.MethodPatch, url, strings.NewReader(`{"score":3,"note":"partial credit"}`))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			if tc.status == http.StatusConflict {
				require.Equal(t, "1", resp.Header.Get("Retry-After"))
				require.Equal(t, "retry", decodeBody(t, resp)["code"])
			}

			if tc.role != "student" {
				require.NotNil(t, overrides.received)
				require.InDelta(t, 3, *overrides.received.Score, 1e-9)
			}
		})
	}
}

func TestViolationStatusMapping(t *testing.T) {
	sessionID := uuid.NewString()
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "recorded", status: http.StatusOK},
		{name: "session over", err: service.ErrSessionNotActive, status: http.StatusConflict},
		{name: "unknown session", err: service.ErrSessionNotFound, status: http.StatusNotFound},
		{name: "someone else's session", err: service.ErrForbidden, status: http.StatusForbidden},
		{name: "version exhausted", err: service.ErrConcurrentUpdate, status: http.StatusConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			h := handler.NewProctoringHandler(stubProctoringService{err: tc.err}, stubMonitorService{}, zerolog.Nop())
			h.Register(app.Group("/proctoring", withUser("student")))

			body := `{"session_id":"` + sessionID + `","violation_type":"phone_detected","confidence":1}`
			req := httptest.NewRequest(http.MethodPost, "/proctoring/violations", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestViolationRejectsProfessorCaller(t *testing.T) {
	app := fiber.New()
	h := handler.NewProctoringHandler(stubProctoringService{}, stubMonitorService{}, zerolog.Nop())
	h.Register(app.Group("/proctoring", withUser("professor")))

	req := httptest.NewRequest(http.MethodPost, "/proctoring/violations", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLatestFrameServesRawImage(t *testing.T) {
	captured := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	frame := framestore.Frame{Data: []byte{0xff, 0xd8, 0xff, 0xe0}, MIME: "image/jpeg", CapturedAt: captured}

	app := fiber.New()
	h := handler.NewProctoringHandler(stubProctoringService{frame: frame}, stubMonitorService{}, zerolog.Nop())
	h.Register(app.Group("/proctoring", withUser("professor")))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/proctoring/sessions/"+uuid.NewString()+"/frame", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	require.Equal(t, captured.Format(time.RFC3339Nano), resp.Header.Get("X-Captured-At"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, bytes.Equal(frame.Data, body))
}

func TestLatestFrameMissing(t *testing.T) {
	app := fiber.New()
	h := handler.NewProctoringHandler(stubProctoringService{err: framestore.ErrFrameNotFound}, stubMonitorService{}, zerolog.Nop())
	h.Register(app.Group("/proctoring", withUser("professor")))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/proctoring/sessions/"+uuid.NewString()+"/frame", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFaceVerifyStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: nil, status: http.StatusOK},
		{err: liveness.ErrFaceMismatch, status: http.StatusUnauthorized},
		{err: liveness.ErrInsufficientPoseMatch, status: http.StatusUnauthorized},
		{err: liveness.ErrBlinkNotDetected, status: http.StatusBadRequest},
		{err: liveness.ErrCaptureTooShort, status: http.StatusBadRequest},
	}

	for _, tc := range cases {
		app := fiber.New()
		h := handler.NewFaceHandler(stubFaceService{err: tc.err}, zerolog.Nop())
		h.Register(app.Group("/auth", withUser("student")))

		req := httptest.NewRequest(http.MethodPost, "/auth/face-verify", strings.NewReader(`{"samples":{"center":[0.1,0.2]},"action_order":["blink"]}`))
		req.Header.Set("Content-Type", "application/json")

		resp, err := app.Test(req)
		require.NoError(t, err)
		require.Equal(t, tc.status, resp.StatusCode, "error %v", tc.err)
	}
}

func TestHealthCheckReportsFailingDependency(t *testing.T) {
	cfg := config.Config{AppName: "GEMA Proctor API", AppEnv: "test"}

	app := fiber.New()
	app.Get("/health", handler.HealthCheck(cfg, map[string]handler.HealthProbe{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var payload struct {
		Data handler.HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "degraded", payload.Data.Status)
	require.Equal(t, "ok", payload.Data.Dependencies["database"])
	require.Equal(t, "connection refused", payload.Data.Dependencies["redis"])
}

func TestHealthCheckWithoutProbes(t *testing.T) {
	cfg := config.Config{AppName: "GEMA Proctor API", AppEnv: "test"}

	app := fiber.New()
	app.Get("/health", handler.HealthCheck(cfg, nil))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Success bool                   `json:"success"`
		Data    handler.HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.True(t, payload.Success)
	require.Equal(t, "ok", payload.Data.Status)
	require.Equal(t, cfg.AppName, payload.Data.Service)
	require.WithinDuration(t, time.Now().UTC(), payload.Data.Timestamp, 2*time.Second)
}

func TestMonitorStreamDeliversEvents(t *testing.T) {
	updates := make(chan events.Event, 1)
	app := fiber.New()
	h := handler.NewProctoringHandler(stubProctoringService{}, stubMonitorService{updates: updates}, zerolog.Nop())
	h.Register(app.Group("/proctoring", withUser("professor")))

	baseURL, shutdown := startFiberServer(t, app)
	defer shutdown()

	examID := uuid.NewString()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/proctoring/exams/" + examID + "/stream"
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	updates <- events.Event{Type: events.TypeViolation, ExamID: examID, SessionID: uuid.NewString(), ViolationType: "phone_detected", IntegrityScore: 70}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var event events.Event
	require.NoError(t, json.Unmarshal(message, &event))
	require.Equal(t, events.TypeViolation, event.Type)
	require.Equal(t, examID, event.ExamID)
	require.InDelta(t, 70, event.IntegrityScore, 1e-9)

	close(updates)
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestMonitorStreamRequiresProfessor(t *testing.T) {
	app := fiber.New()
	h := handler.NewProctoringHandler(stubProctoringService{}, stubMonitorService{}, zerolog.Nop())
	h.Register(app.Group("/proctoring", withUser("student")))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/proctoring/exams/"+uuid.NewString()+"/stream", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func startFiberServer(t *testing.T, app *fiber.App) (string, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	shutdown := func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	}

	return "http://" + listener.Addr().String(), shutdown
}
