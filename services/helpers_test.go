package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"emotion-duel/models"
	"emotion-duel/store"
	"emotion-duel/utils"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testPrompt = Prompt{Category: "joy", Text: "show joy with closed eyes"}

type fixedPrompts struct{}

func (fixedPrompts) RandomPrompt() Prompt { return testPrompt }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeScorer struct {
	mu     sync.Mutex
	pair   ScorePair
	err    error
	calls  int
	before func(ctx context.Context) error
}

func (s *fakeScorer) Score(ctx context.Context, prompt string, photoA, photoB []byte) (ScorePair, error) {
	s.mu.Lock()
	s.calls++
	pair, err, before := s.pair, s.err, s.before
	s.mu.Unlock()

	if before != nil {
		if err := before(ctx); err != nil {
			return ScorePair{}, err
		}
	}
	return pair, err
}

func (s *fakeScorer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type photoPair struct {
	own, opponent []byte
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts map[int64][]string
	hints map[int64][]string
	pairs map[int64][]photoPair
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		texts: map[int64][]string{},
		hints: map[int64][]string{},
		pairs: map[int64][]photoPair{},
	}
}

func (n *fakeNotifier) DeliverTask(_ context.Context, userID int64, text, hintKey string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts[userID] = append(n.texts[userID], text)
	n.hints[userID] = append(n.hints[userID], hintKey)
	return nil
}

func (n *fakeNotifier) DeliverText(_ context.Context, userID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts[userID] = append(n.texts[userID], text)
	return nil
}

func (n *fakeNotifier) DeliverPhotoPair(_ context.Context, userID int64, own, opponent []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pairs[userID] = append(n.pairs[userID], photoPair{own: own, opponent: opponent})
	return nil
}

func (n *fakeNotifier) Texts(userID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts[userID]...)
}

func (n *fakeNotifier) Hints(userID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.hints[userID]...)
}

func (n *fakeNotifier) Pairs(userID int64) []photoPair {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]photoPair(nil), n.pairs[userID]...)
}

type testEnv struct {
	store    *store.Store
	clock    *testClock
	mm       *Matchmaker
	coord    *Coordinator
	users    *UserService
	stats    *StatsService
	scorer   *fakeScorer
	notifier *fakeNotifier
	photos   *utils.LocalPhotoStore
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "duels.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestEnv(t *testing.T, opts ...MatchmakerOption) *testEnv {
	t.Helper()
	st := newTestStore(t)
	clock := newTestClock()

	photos, err := utils.NewLocalPhotoStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)

	env := &testEnv{
		store:    st,
		clock:    clock,
		scorer:   &fakeScorer{pair: ScorePair{A: 0.7, B: 0.4}},
		notifier: newFakeNotifier(),
		photos:   photos,
	}
	opts = append([]MatchmakerOption{WithMatchmakerClock(clock.Now)}, opts...)
	env.mm = NewMatchmaker(st, fixedPrompts{}, 5*time.Minute, 5*time.Minute, zerolog.Nop(), opts...)
	env.users = NewUserService(st)
	env.users.now = clock.Now
	env.stats = NewStatsService(st, env.users, nil, zerolog.Nop())
	env.coord = NewCoordinator(st, env.scorer, photos, env.notifier, env.stats, env.users, CoordinatorConfig{
		ScorerTimeout: time.Second,
		DrawEpsilon:   DefaultDrawEpsilon,
		CleanupPhotos: true,
	}, zerolog.Nop())
	env.coord.now = clock.Now
	return env
}

// pair puts a and b into a fresh random duel, a being the longer waiter.
func (e *testEnv) pair(t *testing.T, a, b int64) *models.Duel {
	t.Helper()
	ctx := context.Background()

	res, err := e.mm.FindRandom(ctx, a)
	require.NoError(t, err)
	require.Nil(t, res.Duel)

	e.clock.Advance(time.Second)
	res, err = e.mm.FindRandom(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, res.Duel)
	require.True(t, res.Created)
	return res.Duel
}

// toScoring submits both photos and returns the duel in status scoring.
func (e *testEnv) toScoring(t *testing.T, duel *models.Duel) {
	t.Helper()
	ctx := context.Background()

	barrier, err := e.coord.SubmitPhoto(ctx, duel.ID, duel.UserAID, []byte("photo-a"))
	require.NoError(t, err)
	require.Equal(t, BarrierWaitingForOpponent, barrier)

	barrier, err = e.coord.SubmitPhoto(ctx, duel.ID, duel.UserBID, []byte("photo-b"))
	require.NoError(t, err)
	require.Equal(t, BarrierBothReceived, barrier)
}

func (e *testEnv) duel(t *testing.T, id string) *models.Duel {
	t.Helper()
	d, err := e.store.GetDuel(context.Background(), id)
	require.NoError(t, err)
	return d
}
