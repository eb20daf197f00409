package topdialogs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-top-dialogs/internal/domain"
	"tg-top-dialogs/internal/infra/metrics"
)

const (
	// MaxTopDialogsLimit — верхняя граница размера выдачи независимо от запроса.
	MaxTopDialogsLimit = 100

	keyPrefix          = "top_dialogs"
	serverSyncKey      = "top_dialogs_ts"
	ratingEDecayOption = "rating_e_decay"

	storeTimeout = 5 * time.Second
	fetchTimeout = time.Minute
)

type syncState int

const (
	syncNone syncState = iota
	syncPending
	syncOk
)

// Config — параметры расписания синхронизации.
type Config struct {
	// Enabled выключает подсистему целиком, если у клиента нет базы диалогов.
	Enabled bool
	// ServerSyncDelay — период сверки с сервером.
	ServerSyncDelay time.Duration
	// DBSyncDelay — дебаунс записи на диск после первого несохранённого изменения.
	DBSyncDelay time.Duration
	// RetryDelay — пауза перед повтором после неудачного запроса к серверу.
	RetryDelay time.Duration
}

// DefaultConfig возвращает боевые задержки.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		ServerSyncDelay: 24 * time.Hour,
		DBSyncDelay:     10 * time.Second,
		RetryDelay:      time.Minute,
	}
}

type categoryState struct {
	ratingTimestamp float64
	dialogs         []domain.TopDialog
	dirty           bool
}

// Manager ведёт рейтинг диалогов по категориям и согласует его
// с сервером и долговременным хранилищем. Все мутации сериализованы
// одним мьютексом; внешние ответы возвращаются в него же.
type Manager struct {
	mu sync.Mutex

	cfg     Config
	store   domain.KVStore
	client  domain.TopPeersClient
	oracle  domain.DialogOracle
	loader  domain.DialogLoader
	options domain.OptionSource
	clock   domain.Clock
	log     zerolog.Logger

	byCategory [domain.CategoryCount]categoryState

	ratingEDecay int64

	isActive     bool
	wasFirstSync bool
	epoch        uuid.UUID

	serverSyncState     syncState
	dbSyncState         syncState
	lastServerSync      time.Time
	nextServerRetry     time.Time
	firstUnsyncedChange time.Time

	wake *time.Timer
}

// NewManager создаёт менеджер. Старт и загрузка из хранилища — в Start.
func NewManager(
	cfg Config,
	store domain.KVStore,
	client domain.TopPeersClient,
	oracle domain.DialogOracle,
	loader domain.DialogLoader,
	options domain.OptionSource,
	clk domain.Clock,
	logger zerolog.Logger,
) *Manager {
	return &Manager{
		cfg:          cfg,
		store:        store,
		client:       client,
		oracle:       oracle,
		loader:       loader,
		options:      options,
		clock:        clk,
		log:          logger,
		ratingEDecay: DefaultRatingEDecay,
	}
}

func snapshotKey(c domain.Category) string {
	return keyPrefix + "#" + c.Name()
}

// Start загружает состояние из хранилища и активирует подсистему.
// Без хранилища подсистема инертна: мутации становятся no-op,
// запросы завершаются ErrUnsupported, а остатки данных стираются.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Enabled || m.store == nil {
		if m.store != nil {
			if err := m.store.EraseByPrefix(ctx, keyPrefix); err != nil {
				m.log.Warn().Err(err).Msg("top dialogs: не удалось стереть устаревшие снапшоты")
			}
		}
		m.isActive = false
		m.log.Info().Msg("top dialogs: подсистема выключена")
		return nil
	}

	m.isActive = true
	m.epoch = uuid.New()
	now := m.clock.Now()

	if raw, err := m.store.Get(ctx, serverSyncKey); err != nil {
		m.log.Warn().Err(err).Msg("top dialogs: не удалось прочитать время последней сверки")
	} else if len(raw) > 0 {
		if sec, err := strconv.ParseInt(string(raw), 10, 64); err != nil {
			m.log.Warn().Err(err).Msg("top dialogs: некорректное время последней сверки")
		} else if last := time.Unix(sec, 0); last.Before(now) {
			m.lastServerSync = last
			m.serverSyncState = syncOk
		}
	}

	m.updateRatingEDecayLocked(ctx)

	for _, category := range domain.Categories() {
		value, err := m.store.Get(ctx, snapshotKey(category))
		if err != nil {
			m.log.Warn().Err(err).Str("category", category.Name()).Msg("top dialogs: не удалось прочитать снапшот")
			continue
		}
		if len(value) == 0 {
			continue
		}
		snap, err := DecodeSnapshot(value)
		if err != nil {
			// Повреждение одной категории не мешает остальным.
			m.log.Error().Err(err).Str("category", category.Name()).Msg("top dialogs: снапшот отброшен")
			continue
		}
		m.byCategory[category] = categoryState{
			ratingTimestamp: snap.RatingTimestamp,
			dialogs:         snap.Dialogs,
		}
	}

	m.normalizeRating()
	m.dbSyncState = syncOk
	m.log.Info().Time("last_server_sync", m.lastServerSync).Msg("top dialogs: состояние загружено")
	m.loop()
	return nil
}

// OnFirstSync — сигнал о завершении первичной синхронизации сессии;
// до него сетевые запросы не отправляются.
func (m *Manager) OnFirstSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wasFirstSync = true
	m.loop()
}

// Close деактивирует менеджер. Запоздавшие ответы сервера игнорируются.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isActive = false
	m.epoch = uuid.Nil
	if m.wake != nil {
		m.wake.Stop()
	}
}

// UpdateRatingEDecay перечитывает константу затухания из серверных опций.
func (m *Manager) UpdateRatingEDecay(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isActive {
		return
	}
	m.updateRatingEDecayLocked(ctx)
}

func (m *Manager) updateRatingEDecayLocked(ctx context.Context) {
	if m.options == nil {
		return
	}
	value := m.options.GetOptionInteger(ctx, ratingEDecayOption, m.ratingEDecay)
	if value <= 0 {
		m.log.Warn().Int64("value", value).Msg("top dialogs: игнорируем неположительный rating_e_decay")
		return
	}
	m.ratingEDecay = value
}

// OnDialogUsed учитывает использование диалога в категории.
func (m *Manager) OnDialogUsed(category domain.Category, id domain.DialogID, eventTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isActive {
		return
	}

	cs := &m.byCategory[category]
	cs.dirty = true

	idx := -1
	for i := range cs.dialogs {
		if cs.dialogs[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		cs.dialogs = append(cs.dialogs, domain.TopDialog{ID: id})
		idx = len(cs.dialogs) - 1
	}

	delta := ratingAdd(float64(eventTime.Unix()), cs.ratingTimestamp, m.ratingEDecay)
	cs.dialogs[idx].Rating += delta
	for idx > 0 && cs.dialogs[idx-1].Rating <= cs.dialogs[idx].Rating {
		cs.dialogs[idx-1], cs.dialogs[idx] = cs.dialogs[idx], cs.dialogs[idx-1]
		idx--
	}

	metrics.IncUsageEvent(category.Name())
	m.log.Debug().
		Str("category", category.Name()).
		Int64("dialog", int64(id)).
		Float64("delta", delta).
		Msg("top dialogs: рейтинг обновлён")

	if m.firstUnsyncedChange.IsZero() {
		m.firstUnsyncedChange = m.clock.Now()
	}
	m.loop()
}

// RemoveDialog убирает диалог из локального топа и асинхронно просит
// сервер сбросить его рейтинг. Локальное удаление безусловно и немедленно.
func (m *Manager) RemoveDialog(category domain.Category, id domain.DialogID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isActive {
		return
	}

	m.log.Info().Str("category", category.Name()).Int64("dialog", int64(id)).Msg("top dialogs: удаление диалога")

	if m.client != nil {
		client, logger := m.client, m.log
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
			defer cancel()
			if err := client.ResetTopPeerRating(ctx, category, id); err != nil {
				logger.Warn().Err(err).Str("category", category.Name()).Int64("dialog", int64(id)).
					Msg("top dialogs: сброс серверного рейтинга не удался")
			}
		}()
	}

	cs := &m.byCategory[category]
	for i := range cs.dialogs {
		if cs.dialogs[i].ID != id {
			continue
		}
		cs.dialogs = append(cs.dialogs[:i], cs.dialogs[i+1:]...)
		cs.dirty = true
		if m.firstUnsyncedChange.IsZero() {
			m.firstUnsyncedChange = m.clock.Now()
		}
		m.loop()
		return
	}
}

// GetTopDialogs возвращает до limit лучших диалогов категории,
// отфильтровав удалённых пользователей и самого себя.
func (m *Manager) GetTopDialogs(ctx context.Context, category domain.Category, limit int) ([]domain.DialogID, error) {
	m.mu.Lock()
	if !m.isActive {
		m.mu.Unlock()
		return nil, domain.ErrUnsupported
	}
	cs := &m.byCategory[category]
	if limit > MaxTopDialogsLimit {
		limit = MaxTopDialogsLimit
	}
	if limit > len(cs.dialogs) {
		limit = len(cs.dialogs)
	}
	if limit <= 0 {
		m.mu.Unlock()
		return []domain.DialogID{}, nil
	}
	ids := make([]domain.DialogID, len(cs.dialogs))
	for i, d := range cs.dialogs {
		ids[i] = d.ID
	}
	m.mu.Unlock()

	metrics.IncTopDialogsQuery(category.Name())

	if m.loader != nil {
		// Метаданные подгружаются до фильтрации; ошибка не фатальна,
		// нерезолвленные диалоги просто останутся без уточнений.
		if err := m.loader.LoadDialogs(ctx, ids); err != nil {
			m.log.Warn().Err(err).Msg("top dialogs: не удалось подгрузить диалоги")
		}
	}

	result := make([]domain.DialogID, 0, limit)
	for _, id := range ids {
		if id.Kind() == domain.DialogKindUser && m.oracle != nil {
			if m.oracle.IsUserDeleted(id.UserID()) {
				m.log.Debug().Int64("user", id.UserID()).Msg("top dialogs: пропускаем удалённого пользователя")
				continue
			}
			if m.oracle.IsSelf(id.UserID()) {
				m.log.Debug().Int64("user", id.UserID()).Msg("top dialogs: пропускаем себя")
				continue
			}
		}
		result = append(result, id)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

// normalizeRating делит рейтинги на накопленное затухание, чтобы экспонента
// не переполнялась на долгих сессиях. Категория, чья база уже равна "сейчас",
// не трогается: деление на единицу ничего не меняет.
func (m *Manager) normalizeRating() {
	now := float64(m.clock.Now().Unix())
	changed := false
	for i := range m.byCategory {
		cs := &m.byCategory[i]
		if cs.ratingTimestamp == now {
			continue
		}
		divBy := ratingAdd(now, cs.ratingTimestamp, m.ratingEDecay)
		cs.ratingTimestamp = now
		for j := range cs.dialogs {
			cs.dialogs[j].Rating /= divBy
		}
		cs.dirty = true
		changed = true
	}
	if changed {
		m.dbSyncState = syncNone
	}
}

// fingerprint собирает хэш всех известных числовых идентификаторов
// по всем категориям в текущем порядке.
func (m *Manager) fingerprint() int64 {
	var ids []uint32
	for i := range m.byCategory {
		for _, d := range m.byCategory[i].dialogs {
			switch d.ID.Kind() {
			case domain.DialogKindUser:
				ids = append(ids, uint32(d.ID.UserID()))
			case domain.DialogKindChat:
				ids = append(ids, uint32(d.ID.ChatID()))
			case domain.DialogKindChannel:
				ids = append(ids, uint32(d.ID.ChannelID()))
			}
		}
	}
	return vectorHash(ids)
}

func (m *Manager) fetchTopPeers(epoch uuid.UUID, hash int64) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	res, err := m.client.GetTopPeers(ctx, hash)
	m.onTopPeersResult(epoch, res, err)
}

// onTopPeersResult применяет ответ сервера. Ответы чужой эпохи
// (после Close или перезапуска) молча отбрасываются.
func (m *Manager) onTopPeersResult(epoch uuid.UUID, res domain.TopPeersResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isActive || epoch != m.epoch {
		return
	}
	defer m.loop()

	if err != nil {
		m.log.Error().Err(err).Msg("top dialogs: contacts.getTopPeers не удался")
		metrics.IncServerSync("error")
		m.serverSyncState = syncNone
		m.nextServerRetry = m.clock.Now().Add(m.cfg.RetryDelay)
		return
	}

	// Рескейл на каждом успешном обмене: дрейф экспоненты не зависит от того,
	// поменялся ли состав топа.
	m.normalizeRating()
	now := m.clock.Now()
	m.lastServerSync = now
	m.serverSyncState = syncOk
	m.nextServerRetry = time.Time{}

	sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	if err := m.store.Set(sctx, serverSyncKey, []byte(strconv.FormatInt(now.Unix(), 10))); err != nil {
		m.log.Warn().Err(err).Msg("top dialogs: не удалось сохранить время сверки")
	}
	cancel()

	if res.NotModified {
		metrics.IncServerSync("not_modified")
		m.log.Debug().Msg("top dialogs: топ не изменился")
		return
	}
	metrics.IncServerSync("ok")

	for _, category := range domain.Categories() {
		peers, ok := res.Categories[category]
		if !ok {
			continue
		}
		cs := &m.byCategory[category]
		cs.dirty = true
		cs.dialogs = append(cs.dialogs[:0:0], peers...)
	}
	m.dbSyncState = syncNone
}

// saveTopDialogs пишет все грязные категории в хранилище одним проходом.
func (m *Manager) saveTopDialogs() {
	start := time.Now()
	m.log.Debug().Msg("top dialogs: сохранение снапшотов")
	for _, category := range domain.Categories() {
		cs := &m.byCategory[category]
		if !cs.dirty {
			continue
		}
		cs.dirty = false
		value := EncodeSnapshot(Snapshot{RatingTimestamp: cs.ratingTimestamp, Dialogs: cs.dialogs})
		sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := m.store.Set(sctx, snapshotKey(category), value)
		cancel()
		if err != nil {
			// Оставляем категорию грязной: запись повторится при следующем изменении.
			cs.dirty = true
			m.log.Error().Err(err).Str("category", category.Name()).Msg("top dialogs: запись снапшота не удалась")
		}
	}
	m.dbSyncState = syncOk
	m.firstUnsyncedChange = time.Time{}
	metrics.ObserveSnapshotFlush(time.Since(start))
}

// loop — единственная управляющая операция планировщика: понижает
// протухшие состояния, запускает сверку и запись и взводит будильник
// на ближайший дедлайн.
func (m *Manager) loop() {
	if !m.isActive {
		return
	}
	now := m.clock.Now()

	var wakeAt time.Time
	relax := func(t time.Time) {
		if wakeAt.IsZero() || t.Before(wakeAt) {
			wakeAt = t
		}
	}

	// Сверка с сервером.
	var serverSyncAt time.Time
	if m.serverSyncState == syncOk {
		serverSyncAt = m.lastServerSync.Add(m.cfg.ServerSyncDelay)
		if !serverSyncAt.After(now) {
			m.serverSyncState = syncNone
		}
	}
	switch {
	case m.serverSyncState == syncOk:
		relax(serverSyncAt)
	case m.serverSyncState == syncNone && m.wasFirstSync:
		if m.nextServerRetry.After(now) {
			relax(m.nextServerRetry)
			break
		}
		// Single-flight: повторный вход при syncPending не создаёт второй запрос.
		m.serverSyncState = syncPending
		hash := m.fingerprint()
		epoch := m.epoch
		m.log.Info().Int64("hash", hash).Msg("top dialogs: запрос топа у сервера")
		go m.fetchTopPeers(epoch, hash)
	}

	// Запись на диск.
	var dbSyncAt time.Time
	if m.dbSyncState == syncOk && !m.firstUnsyncedChange.IsZero() {
		dbSyncAt = m.firstUnsyncedChange.Add(m.cfg.DBSyncDelay)
		if !dbSyncAt.After(now) {
			m.dbSyncState = syncNone
		}
	}
	if m.dbSyncState == syncOk {
		if !dbSyncAt.IsZero() {
			relax(dbSyncAt)
		}
	} else if m.serverSyncState == syncOk {
		// Запись разрешена только после успешной сверки с сервером:
		// несверенный кэш не должен сохраняться как авторитетный.
		m.saveTopDialogs()
	}

	if wakeAt.IsZero() {
		if m.wake != nil {
			m.wake.Stop()
		}
		return
	}
	m.armWake(wakeAt.Sub(now))
}

func (m *Manager) armWake(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if m.wake == nil {
		m.wake = time.AfterFunc(d, m.wakeup)
		return
	}
	m.wake.Stop()
	m.wake.Reset(d)
}

func (m *Manager) wakeup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loop()
}

var _ domain.TopDialogService = (*Manager)(nil)
