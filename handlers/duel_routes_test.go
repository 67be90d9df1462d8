package handlers

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"emotion-duel/services"
	"emotion-duel/store"
	"emotion-duel/utils"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopNotifier struct{}

func (nopNotifier) DeliverText(context.Context, int64, string) error { return nil }
func (nopNotifier) DeliverTask(context.Context, int64, string, string) error {
	return nil
}
func (nopNotifier) DeliverPhotoPair(context.Context, int64, []byte, []byte) error {
	return nil
}

type nopScorer struct{}

func (nopScorer) Score(context.Context, string, []byte, []byte) (services.ScorePair, error) {
	return services.ScorePair{A: 0.1, B: 0.2}, nil
}

type recordingRunner struct {
	mu    sync.Mutex
	duels []string
}

func (r *recordingRunner) Submit(_ context.Context, duelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duels = append(r.duels, duelID)
	return nil
}

func (r *recordingRunner) Submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.duels...)
}

func setupApp(t *testing.T) (*fiber.App, *recordingRunner) {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "duels.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })

	photos, err := utils.NewLocalPhotoStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	catalog, err := services.LoadTaskCatalog("")
	require.NoError(t, err)

	logger := zerolog.Nop()
	users := services.NewUserService(st)
	stats := services.NewStatsService(st, users, nil, logger)
	mm := services.NewMatchmaker(st, catalog, 5*time.Minute, 5*time.Minute, logger)
	coord := services.NewCoordinator(st, nopScorer{}, photos, nopNotifier{}, stats, users, services.CoordinatorConfig{
		ScorerTimeout: time.Second,
		DrawEpsilon:   services.DefaultDrawEpsilon,
	}, logger)
	runner := &recordingRunner{}

	app := fiber.New(fiber.Config{JSONEncoder: json.Marshal, JSONDecoder: json.Unmarshal})
	SetupDuelRoutes(app, mm, coord, users, runner, logger)
	SetupStatsRoutes(app, stats, logger)
	SetupTaskRoutes(app, catalog)
	return app, runner
}

func do(t *testing.T, app *fiber.App, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	}
	return resp.StatusCode, body
}

func userRequest(method, target string, userID string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	return req
}

func photoRequest(t *testing.T, userID string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("photo", "selfie.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg-bytes-" + userID))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := userRequest(http.MethodPost, "/duels/photo", userID, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestRandomDuelFlow(t *testing.T) {
	app, runner := setupApp(t)

	req := userRequest(http.MethodPut, "/users/me", "1", strings.NewReader(`{"first_name":"Ada"}`))
	req.Header.Set("Content-Type", "application/json")
	status, _ := do(t, app, req)
	assert.Equal(t, http.StatusOK, status)

	status, body := do(t, app, userRequest(http.MethodPost, "/queue/random", "1", nil))
	assert.Equal(t, http.StatusAccepted, status)
	assert.NotNil(t, body["entry"])
	assert.Equal(t, float64(300), body["expires_in_seconds"])

	status, body = do(t, app, userRequest(http.MethodPost, "/queue/random", "1", nil))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "user_already_queued", body["code"])

	status, body = do(t, app, userRequest(http.MethodPost, "/queue/random", "2", nil))
	assert.Equal(t, http.StatusCreated, status)
	require.NotNil(t, body["duel"])
	duelID := body["duel"].(map[string]any)["id"].(string)

	status, body = do(t, app, userRequest(http.MethodGet, "/users/me/state", "1", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, services.StateInDuel, body["state"])

	status, body = do(t, app, photoRequest(t, "1"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "waiting_for_opponent", body["barrier"])
	assert.Empty(t, runner.Submitted())

	status, body = do(t, app, photoRequest(t, "2"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "both_received", body["barrier"])
	assert.Equal(t, []string{duelID}, runner.Submitted())

	status, body = do(t, app, userRequest(http.MethodPost, "/session/exit", "2", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, body["cancelled_duel"])

	status, body = do(t, app, userRequest(http.MethodGet, "/duels/active", "1", nil))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "no_active_duel", body["code"])
}

func TestRoomRoutes(t *testing.T) {
	app, _ := setupApp(t)

	status, body := do(t, app, userRequest(http.MethodPost, "/rooms", "10", nil))
	require.Equal(t, http.StatusCreated, status)
	code := int(body["room_code"].(float64))
	assert.GreaterOrEqual(t, code, 1000)
	assert.LessOrEqual(t, code, 9999)

	status, body = do(t, app, userRequest(http.MethodPost, "/rooms/abc/join", "20", nil))
	assert.Equal(t, http.StatusBadRequest, status)

	unknown := 1000
	if code == unknown {
		unknown = 1001
	}
	status, body = do(t, app, userRequest(http.MethodPost, "/rooms/"+strconv.Itoa(unknown)+"/join", "20", nil))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "room_not_found", body["code"])

	status, body = do(t, app, userRequest(http.MethodPost, "/rooms/"+strconv.Itoa(code)+"/join", "20", nil))
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, float64(10), body["user_a_id"])
	assert.Equal(t, float64(20), body["user_b_id"])
}

func TestUserContextRequired(t *testing.T) {
	app, _ := setupApp(t)

	status, _ := do(t, app, userRequest(http.MethodPost, "/queue/random", "", nil))
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, app, userRequest(http.MethodDelete, "/queue", "-5", nil))
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := do(t, app, userRequest(http.MethodGet, "/leaderboard", "", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["items"])

	status, body = do(t, app, userRequest(http.MethodGet, "/users/me/history?limit=5", "7", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(5), body["limit"])
}

func TestTaskRoutes(t *testing.T) {
	app, _ := setupApp(t)

	status, body := do(t, app, userRequest(http.MethodGet, "/tasks", "", nil))
	require.Equal(t, http.StatusOK, status)
	items := body["items"].([]any)
	require.NotEmpty(t, items)
	first := items[0].(map[string]any)
	assert.NotEmpty(t, first["title"])
	assert.NotEmpty(t, first["hint_key"])
}
