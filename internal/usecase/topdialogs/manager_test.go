package topdialogs

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-top-dialogs/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newStubStore() *stubStore {
	return &stubStore{data: make(map[string][]byte)}
}

func (s *stubStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *stubStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *stubStore) EraseByPrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			delete(s.data, key)
		}
	}
	return nil
}

func (s *stubStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	return value, ok
}

func (s *stubStore) seed(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

type resetCall struct {
	category domain.Category
	id       domain.DialogID
}

type stubClient struct {
	mu     sync.Mutex
	hashes []int64
	res    domain.TopPeersResult
	err    error
	block  chan struct{}
	resets []resetCall
}

func (c *stubClient) GetTopPeers(_ context.Context, hash int64) (domain.TopPeersResult, error) {
	c.mu.Lock()
	c.hashes = append(c.hashes, hash)
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res, c.err
}

func (c *stubClient) ResetTopPeerRating(_ context.Context, category domain.Category, id domain.DialogID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets = append(c.resets, resetCall{category: category, id: id})
	return nil
}

func (c *stubClient) setResult(res domain.TopPeersResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res = res
	c.err = err
}

func (c *stubClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hashes)
}

func (c *stubClient) firstHash() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.hashes) == 0 {
		return -1
	}
	return c.hashes[0]
}

func (c *stubClient) resetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resets)
}

type stubOracle struct {
	self    int64
	deleted map[int64]bool
}

func (o *stubOracle) IsUserDeleted(id int64) bool { return o.deleted[id] }
func (o *stubOracle) IsSelf(id int64) bool        { return id == o.self }

type stubLoader struct {
	mu     sync.Mutex
	loaded [][]domain.DialogID
}

func (l *stubLoader) LoadDialogs(_ context.Context, ids []domain.DialogID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = append(l.loaded, append([]domain.DialogID(nil), ids...))
	return nil
}

type stubOptions struct {
	value int64
}

func (o stubOptions) GetOptionInteger(_ context.Context, _ string, def int64) int64 {
	if o.value > 0 {
		return o.value
	}
	return def
}

// Во всех тестах константа затухания равна 100 секундам,
// чтобы экспоненты считались в уме.
const testDecay = 100

type testEnv struct {
	store  *stubStore
	client *stubClient
	clock  *fakeClock
	oracle *stubOracle
	loader *stubLoader
	m      *Manager
}

func testConfig() Config {
	return Config{
		Enabled:         true,
		ServerSyncDelay: 24 * time.Hour,
		DBSyncDelay:     10 * time.Second,
		RetryDelay:      time.Hour,
	}
}

func newTestEnv(cfg Config) *testEnv {
	env := &testEnv{
		store:  newStubStore(),
		client: &stubClient{},
		clock:  &fakeClock{now: time.Unix(1_000_000, 0)},
		oracle: &stubOracle{deleted: map[int64]bool{}},
		loader: &stubLoader{},
	}
	env.m = NewManager(cfg, env.store, env.client, env.oracle, env.loader,
		stubOptions{value: testDecay}, env.clock, zerolog.Nop())
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	if err := e.m.Start(context.Background()); err != nil {
		t.Fatalf("Start не удался: %v", err)
	}
	t.Cleanup(e.m.Close)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("не дождались: %s", what)
}

func categoryDialogs(m *Manager, category domain.Category) []domain.TopDialog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TopDialog(nil), m.byCategory[category].dialogs...)
}

func serverState(m *Manager) syncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverSyncState
}

func epochOf(m *Manager) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

func TestStartDisabledErasesAndRejects(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	env := newTestEnv(cfg)
	env.store.seed("top_dialogs#group", []byte("старое"))
	env.store.seed("top_dialogs_ts", []byte("999000"))
	env.store.seed("other", []byte("не трогать"))
	env.start(t)

	if _, ok := env.store.get("top_dialogs#group"); ok {
		t.Fatalf("снапшот должен быть стёрт")
	}
	if _, ok := env.store.get("top_dialogs_ts"); ok {
		t.Fatalf("время сверки должно быть стёрто")
	}
	if _, ok := env.store.get("other"); !ok {
		t.Fatalf("посторонний ключ не должен пострадать")
	}

	env.m.OnDialogUsed(domain.CategoryGroup, domain.DialogFromChat(1), env.clock.Now())
	if _, err := env.m.GetTopDialogs(context.Background(), domain.CategoryGroup, 10); !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("ожидали ErrUnsupported, получили %v", err)
	}
}

func TestUsageAccumulatesDecayedDelta(t *testing.T) {
	env := newTestEnv(testConfig())
	env.start(t)
	base := env.clock.Now()
	dialog := domain.DialogFromUser(42)

	env.m.OnDialogUsed(domain.CategoryCorrespondent, dialog, base)
	env.m.OnDialogUsed(domain.CategoryCorrespondent, dialog, base.Add(testDecay*time.Second))

	dialogs := categoryDialogs(env.m, domain.CategoryCorrespondent)
	if len(dialogs) != 1 {
		t.Fatalf("ожидали один диалог, получили %d", len(dialogs))
	}
	want := 1 + math.E
	if math.Abs(dialogs[0].Rating-want) > 1e-9 {
		t.Fatalf("ожидали рейтинг %v, получили %v", want, dialogs[0].Rating)
	}
}

func TestUsageReordersByRating(t *testing.T) {
	env := newTestEnv(testConfig())
	env.start(t)
	base := env.clock.Now()
	d1 := domain.DialogFromUser(1)
	d2 := domain.DialogFromUser(2)

	env.m.OnDialogUsed(domain.CategoryCorrespondent, d1, base)
	env.m.OnDialogUsed(domain.CategoryCorrespondent, d1, base)
	env.m.OnDialogUsed(domain.CategoryCorrespondent, d1, base)
	env.m.OnDialogUsed(domain.CategoryCorrespondent, d2, base)

	dialogs := categoryDialogs(env.m, domain.CategoryCorrespondent)
	if dialogs[0].ID != d1 || dialogs[1].ID != d2 {
		t.Fatalf("ожидали порядок [d1 d2], получили %+v", dialogs)
	}

	// Свежее событие с большой прибавкой поднимает d2 наверх.
	env.m.OnDialogUsed(domain.CategoryCorrespondent, d2, base.Add(2*testDecay*time.Second))
	dialogs = categoryDialogs(env.m, domain.CategoryCorrespondent)
	if dialogs[0].ID != d2 || dialogs[1].ID != d1 {
		t.Fatalf("ожидали порядок [d2 d1], получили %+v", dialogs)
	}
	if dialogs[0].Rating <= dialogs[1].Rating {
		t.Fatalf("рейтинги должны убывать: %+v", dialogs)
	}
}

func TestUsageTieMovesRecentFirst(t *testing.T) {
	env := newTestEnv(testConfig())
	env.start(t)
	base := env.clock.Now()
	d1 := domain.DialogFromUser(1)
	d2 := domain.DialogFromUser(2)

	env.m.OnDialogUsed(domain.CategoryCorrespondent, d1, base)
	env.m.OnDialogUsed(domain.CategoryCorrespondent, d2, base)

	dialogs := categoryDialogs(env.m, domain.CategoryCorrespondent)
	if dialogs[0].ID != d2 || dialogs[1].ID != d1 {
		t.Fatalf("при равном рейтинге свежий диалог должен быть выше: %+v", dialogs)
	}
}

func TestRemoveDialog(t *testing.T) {
	env := newTestEnv(testConfig())
	env.start(t)
	base := env.clock.Now()
	d1 := domain.DialogFromUser(1)
	d2 := domain.DialogFromChat(2)

	env.m.OnDialogUsed(domain.CategoryGroup, d1, base)
	env.m.OnDialogUsed(domain.CategoryGroup, d2, base)

	env.m.RemoveDialog(domain.CategoryGroup, d1)
	dialogs := categoryDialogs(env.m, domain.CategoryGroup)
	if len(dialogs) != 1 || dialogs[0].ID != d2 {
		t.Fatalf("ожидали только d2, получили %+v", dialogs)
	}
	waitUntil(t, "сброс серверного рейтинга", func() bool { return env.client.resetCount() == 1 })

	// Удаление отсутствующего диалога локально ничего не меняет,
	// но сброс на сервере всё равно запрашивается.
	env.m.RemoveDialog(domain.CategoryGroup, domain.DialogFromUser(99))
	if got := categoryDialogs(env.m, domain.CategoryGroup); len(got) != 1 {
		t.Fatalf("список не должен измениться, получили %+v", got)
	}
	waitUntil(t, "второй сброс серверного рейтинга", func() bool { return env.client.resetCount() == 2 })
}

func TestGetTopDialogsFilters(t *testing.T) {
	env := newTestEnv(testConfig())
	env.oracle.self = 10
	env.oracle.deleted[11] = true
	env.start(t)
	base := env.clock.Now()

	alive := domain.DialogFromUser(12)
	chat := domain.DialogFromChat(5)
	env.m.OnDialogUsed(domain.CategoryCorrespondent, alive, base)
	env.m.OnDialogUsed(domain.CategoryCorrespondent, alive, base)
	env.m.OnDialogUsed(domain.CategoryCorrespondent, chat, base)
	env.m.OnDialogUsed(domain.CategoryCorrespondent, domain.DialogFromUser(11), base)
	env.m.OnDialogUsed(domain.CategoryCorrespondent, domain.DialogFromUser(10), base)

	got, err := env.m.GetTopDialogs(context.Background(), domain.CategoryCorrespondent, 10)
	if err != nil {
		t.Fatalf("GetTopDialogs не удался: %v", err)
	}
	if len(got) != 2 || got[0] != alive || got[1] != chat {
		t.Fatalf("ожидали [alive chat], получили %+v", got)
	}

	env.loader.mu.Lock()
	loaded := env.loader.loaded
	env.loader.mu.Unlock()
	if len(loaded) == 0 || len(loaded[0]) != 4 {
		t.Fatalf("метаданные должны запрашиваться для всех известных диалогов: %+v", loaded)
	}

	got, err = env.m.GetTopDialogs(context.Background(), domain.CategoryCorrespondent, 1)
	if err != nil {
		t.Fatalf("GetTopDialogs не удался: %v", err)
	}
	if len(got) != 1 || got[0] != alive {
		t.Fatalf("ожидали только alive, получили %+v", got)
	}
}

func TestGetTopDialogsLimitCap(t *testing.T) {
	env := newTestEnv(testConfig())
	env.start(t)

	env.m.mu.Lock()
	cs := &env.m.byCategory[domain.CategoryChannel]
	for i := 0; i < 150; i++ {
		cs.dialogs = append(cs.dialogs, domain.TopDialog{
			ID:     domain.DialogFromChannel(int64(i + 1)),
			Rating: float64(150 - i),
		})
	}
	env.m.mu.Unlock()

	got, err := env.m.GetTopDialogs(context.Background(), domain.CategoryChannel, 500)
	if err != nil {
		t.Fatalf("GetTopDialogs не удался: %v", err)
	}
	if len(got) != MaxTopDialogsLimit {
		t.Fatalf("ожидали %d диалогов, получили %d", MaxTopDialogsLimit, len(got))
	}
}

func TestGetTopDialogsZeroLimit(t *testing.T) {
	env := newTestEnv(testConfig())
	env.start(t)
	base := env.clock.Now()
	for i := int64(1); i <= 3; i++ {
		env.m.OnDialogUsed(domain.CategoryGroup, domain.DialogFromChat(i), base)
	}

	for _, limit := range []int{0, -5} {
		got, err := env.m.GetTopDialogs(context.Background(), domain.CategoryGroup, limit)
		if err != nil {
			t.Fatalf("GetTopDialogs не удался: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("при limit=%d ожидали пустой результат, получили %+v", limit, got)
		}
	}
}

func TestFirstSyncFetchesAndFlushes(t *testing.T) {
	env := newTestEnv(testConfig())
	u1 := domain.DialogFromUser(1)
	u2 := domain.DialogFromUser(2)
	env.client.setResult(domain.TopPeersResult{
		Categories: map[domain.Category][]domain.TopDialog{
			domain.CategoryGroup: {{ID: u1, Rating: 100}, {ID: u2, Rating: 50}},
			domain.CategoryCall:  {},
		},
	}, nil)
	env.start(t)

	env.m.OnFirstSync()
	waitUntil(t, "снапшот группы в хранилище", func() bool {
		_, ok := env.store.get("top_dialogs#group")
		return ok
	})

	if got := env.client.firstHash(); got != 0 {
		t.Fatalf("при пустом локальном топе хэш должен быть нулевым, получили %d", got)
	}

	raw, _ := env.store.get("top_dialogs#group")
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("снапшот не разбирается: %v", err)
	}
	if len(snap.Dialogs) != 2 || snap.Dialogs[0].ID != u1 || snap.Dialogs[1].ID != u2 {
		t.Fatalf("ожидали серверный порядок [u1 u2], получили %+v", snap.Dialogs)
	}
	if snap.RatingTimestamp != float64(env.clock.Now().Unix()) {
		t.Fatalf("база снапшота должна совпадать с временем сверки")
	}

	if raw, ok := env.store.get("top_dialogs#call"); !ok || len(raw) != 12 {
		t.Fatalf("пустая категория из ответа тоже сохраняется, получили %d байт", len(raw))
	}
	if raw, ok := env.store.get("top_dialogs_ts"); !ok || string(raw) != "1000000" {
		t.Fatalf("время сверки не сохранено: %q", raw)
	}
}

func TestServerSyncSingleFlight(t *testing.T) {
	env := newTestEnv(testConfig())
	env.client.block = make(chan struct{})
	env.client.setResult(domain.TopPeersResult{NotModified: true}, nil)
	env.start(t)

	env.m.OnFirstSync()
	waitUntil(t, "первый запрос к серверу", func() bool { return env.client.callCount() == 1 })

	// Пока запрос в полёте, повторные поводы не создают второй.
	env.m.OnDialogUsed(domain.CategoryGroup, domain.DialogFromChat(1), env.clock.Now())
	env.m.wakeup()
	time.Sleep(20 * time.Millisecond)
	if got := env.client.callCount(); got != 1 {
		t.Fatalf("ожидали один запрос в полёте, получили %d", got)
	}

	close(env.client.block)
	waitUntil(t, "завершение сверки", func() bool { return serverState(env.m) == syncOk })
}

func TestFetchFailureSchedulesRetry(t *testing.T) {
	env := newTestEnv(testConfig())
	env.client.setResult(domain.TopPeersResult{}, errors.New("FLOOD_WAIT"))
	env.start(t)

	env.m.OnFirstSync()
	waitUntil(t, "неудачная сверка", func() bool {
		return env.client.callCount() == 1 && serverState(env.m) == syncNone
	})

	// До истечения паузы повтор не отправляется.
	env.m.wakeup()
	time.Sleep(20 * time.Millisecond)
	if got := env.client.callCount(); got != 1 {
		t.Fatalf("повтор раньше срока: %d запросов", got)
	}

	env.client.setResult(domain.TopPeersResult{NotModified: true}, nil)
	env.clock.Advance(testConfig().RetryDelay + time.Second)
	env.m.wakeup()
	waitUntil(t, "повторная сверка", func() bool { return serverState(env.m) == syncOk })
	if got := env.client.callCount(); got != 2 {
		t.Fatalf("ожидали два запроса, получили %d", got)
	}
}

func TestNotModifiedKeepsRatings(t *testing.T) {
	env := newTestEnv(testConfig())
	u1 := domain.DialogFromUser(1)
	u2 := domain.DialogFromUser(2)
	env.store.seed("top_dialogs#group", EncodeSnapshot(Snapshot{
		RatingTimestamp: float64(env.clock.Now().Unix()),
		Dialogs:         []domain.TopDialog{{ID: u1, Rating: 4}, {ID: u2, Rating: 2}},
	}))
	env.store.seed("top_dialogs_ts", []byte("999000"))
	env.start(t)

	env.m.onTopPeersResult(epochOf(env.m), domain.TopPeersResult{NotModified: true}, nil)

	dialogs := categoryDialogs(env.m, domain.CategoryGroup)
	if len(dialogs) != 2 || dialogs[0].Rating != 4 || dialogs[1].Rating != 2 {
		t.Fatalf("рейтинги не должны меняться при not modified: %+v", dialogs)
	}
	if raw, ok := env.store.get("top_dialogs_ts"); !ok || string(raw) != "1000000" {
		t.Fatalf("время сверки должно обновиться: %q", raw)
	}
}

func TestRescaleOnServerSync(t *testing.T) {
	env := newTestEnv(testConfig())
	u1 := domain.DialogFromUser(1)
	u2 := domain.DialogFromUser(2)
	env.store.seed("top_dialogs#group", EncodeSnapshot(Snapshot{
		RatingTimestamp: float64(env.clock.Now().Unix()),
		Dialogs:         []domain.TopDialog{{ID: u1, Rating: 4}, {ID: u2, Rating: 2}},
	}))
	env.start(t)

	env.clock.Advance(testDecay * time.Second)
	env.m.onTopPeersResult(epochOf(env.m), domain.TopPeersResult{NotModified: true}, nil)

	dialogs := categoryDialogs(env.m, domain.CategoryGroup)
	if math.Abs(dialogs[0].Rating-4/math.E) > 1e-9 || math.Abs(dialogs[1].Rating-2/math.E) > 1e-9 {
		t.Fatalf("ожидали деление рейтингов на e, получили %+v", dialogs)
	}
	if dialogs[0].ID != u1 || dialogs[1].ID != u2 {
		t.Fatalf("порядок не должен меняться при рескейле: %+v", dialogs)
	}

	raw, ok := env.store.get("top_dialogs#group")
	if !ok {
		t.Fatalf("рескейл должен попасть в хранилище")
	}
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("снапшот не разбирается: %v", err)
	}
	if snap.RatingTimestamp != float64(env.clock.Now().Unix()) {
		t.Fatalf("база снапшота должна сдвинуться к моменту сверки")
	}
}

func TestFlushGatedUntilServerSync(t *testing.T) {
	env := newTestEnv(testConfig())
	env.start(t)

	env.m.OnDialogUsed(domain.CategoryGroup, domain.DialogFromChat(1), env.clock.Now())
	env.clock.Advance(testConfig().DBSyncDelay + time.Second)
	env.m.wakeup()

	if _, ok := env.store.get("top_dialogs#group"); ok {
		t.Fatalf("до сверки с сервером снапшоты не пишутся")
	}

	env.m.onTopPeersResult(epochOf(env.m), domain.TopPeersResult{NotModified: true}, nil)
	raw, ok := env.store.get("top_dialogs#group")
	if !ok {
		t.Fatalf("после сверки отложенная запись должна выполниться")
	}
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("снапшот не разбирается: %v", err)
	}
	if len(snap.Dialogs) != 1 {
		t.Fatalf("ожидали один диалог в снапшоте, получили %d", len(snap.Dialogs))
	}
}

func TestStartSkipsMalformedSnapshot(t *testing.T) {
	env := newTestEnv(testConfig())
	env.store.seed("top_dialogs#group", EncodeSnapshot(Snapshot{
		RatingTimestamp: float64(env.clock.Now().Unix()),
		Dialogs:         []domain.TopDialog{{ID: domain.DialogFromChat(1), Rating: 2}, {ID: domain.DialogFromChat(2), Rating: 1}},
	}))
	env.store.seed("top_dialogs#channel", []byte("мусор"))
	env.start(t)

	if got := categoryDialogs(env.m, domain.CategoryGroup); len(got) != 2 {
		t.Fatalf("здоровая категория должна загрузиться: %+v", got)
	}
	if got := categoryDialogs(env.m, domain.CategoryChannel); len(got) != 0 {
		t.Fatalf("повреждённая категория должна быть пустой: %+v", got)
	}
}

func TestFreshServerSyncSuppressesFetch(t *testing.T) {
	env := newTestEnv(testConfig())
	env.store.seed("top_dialogs_ts", []byte("999000"))
	env.client.setResult(domain.TopPeersResult{NotModified: true}, nil)
	env.start(t)

	env.m.OnFirstSync()
	time.Sleep(20 * time.Millisecond)
	if got := env.client.callCount(); got != 0 {
		t.Fatalf("свежая сверка не должна повторяться: %d запросов", got)
	}

	env.clock.Advance(testConfig().ServerSyncDelay + time.Hour)
	env.m.wakeup()
	waitUntil(t, "плановая сверка", func() bool { return env.client.callCount() == 1 })
}

func TestCloseDropsLateResponse(t *testing.T) {
	env := newTestEnv(testConfig())
	env.client.block = make(chan struct{})
	env.client.setResult(domain.TopPeersResult{
		Categories: map[domain.Category][]domain.TopDialog{
			domain.CategoryGroup: {{ID: domain.DialogFromChat(1), Rating: 1}},
		},
	}, nil)
	env.start(t)

	env.m.OnFirstSync()
	waitUntil(t, "запрос в полёте", func() bool { return env.client.callCount() == 1 })

	env.m.Close()
	close(env.client.block)
	time.Sleep(20 * time.Millisecond)

	if _, ok := env.store.get("top_dialogs#group"); ok {
		t.Fatalf("запоздавший ответ после Close не должен применяться")
	}
}
