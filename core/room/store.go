package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"YoYoMusic/logger"
	"YoYoMusic/model"
	"YoYoMusic/repository"
)

var (
	// ErrStoreClosed 服务关闭后拒绝新的请求
	ErrStoreClosed = errors.New("room store closed")

	errActorStopped = errors.New("room actor stopped")
)

// Archiver 房间驱逐时归档播放历史
type Archiver interface {
	ArchiveHistory(ctx context.Context, slug string, songs []model.QueueSong) error
}

// ViewMirror 跨实例的房间视图镜像
type ViewMirror interface {
	SetView(ctx context.Context, slug string, version uint64, view []byte) error
	DeleteView(ctx context.Context, slug string) error
}

// StoreConfig 房间状态存储配置
type StoreConfig struct {
	IdleTTL  time.Duration   // 最后一人离开后多久驱逐
	Clock    clockwork.Clock // 为空时使用真实时钟
	Archiver Archiver        // 可选
	Mirror   ViewMirror      // 可选

	// 多实例部署：Lease 决定房间归属，Forwarder 把请求转给持有实例
	// Lease 为空时单实例运行，所有房间都在本地加载
	Lease      Lease
	Forwarder  Forwarder
	InstanceID string
	LeaseTTL   time.Duration
}

// DefaultLeaseTTL 房间租约默认有效期
const DefaultLeaseTTL = 15 * time.Second

// Store 房间状态存储
// 每个房间一个 actor 协程串行处理变更，不同房间并发执行
type Store struct {
	repo     repository.RoomRepository
	relay    Relay
	clock    clockwork.Clock
	idleTTL  time.Duration
	archiver Archiver
	mirror   ViewMirror

	lease      Lease
	forwarder  Forwarder
	instanceID string
	leaseTTL   time.Duration

	mu     sync.Mutex
	actors map[string]*actor
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore 创建房间状态存储
func NewStore(repo repository.RoomRepository, relay Relay, cfg StoreConfig) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		repo:       repo,
		relay:      relay,
		clock:      clock,
		idleTTL:    cfg.IdleTTL,
		archiver:   cfg.Archiver,
		mirror:     cfg.Mirror,
		lease:      cfg.Lease,
		forwarder:  cfg.Forwarder,
		instanceID: cfg.InstanceID,
		leaseTTL:   leaseTTL,
		actors:     make(map[string]*actor),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID 本实例标识
func (s *Store) InstanceID() string {
	return s.instanceID
}

// Serve 开始接收其他实例转发来的房间操作
func (s *Store) Serve(ctx context.Context) error {
	if s.forwarder == nil {
		return nil
	}
	return s.forwarder.Serve(ctx, s.instanceID, s.handleRemote)
}

// Open 为刚创建的房间启动 actor
func (s *Store) Open(ctx context.Context, room model.Room) error {
	if s.lease != nil {
		holder, err := s.lease.Acquire(ctx, room.Slug, s.instanceID, s.leaseTTL)
		if err != nil {
			return fmt.Errorf("acquire room lease %s: %w", room.Slug, errors.Join(model.ErrUnavailable, err))
		}
		if holder != s.instanceID {
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.actors[room.Slug]; ok {
		return nil
	}
	s.spawnLocked(room)
	return nil
}

// acquire 返回房间 actor，不存在时从仓库加载
// 房间由其他实例持有时 actor 为空，返回持有者
func (s *Store) acquire(ctx context.Context, slug string) (*actor, string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, "", ErrStoreClosed
	}
	if a, ok := s.actors[slug]; ok {
		s.mu.Unlock()
		return a, "", nil
	}
	s.mu.Unlock()

	room, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return nil, "", fmt.Errorf("load room %s: %w", slug, err)
	}
	if room == nil {
		return nil, "", fmt.Errorf("room %s: %w", slug, model.ErrNotFound)
	}

	if s.lease != nil {
		holder, err := s.lease.Acquire(ctx, slug, s.instanceID, s.leaseTTL)
		if err != nil {
			return nil, "", fmt.Errorf("acquire room lease %s: %w", slug, errors.Join(model.ErrUnavailable, err))
		}
		if holder != s.instanceID {
			return nil, holder, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, "", ErrStoreClosed
	}
	if a, ok := s.actors[slug]; ok {
		return a, "", nil
	}
	return s.spawnLocked(*room), "", nil
}

func (s *Store) spawnLocked(room model.Room) *actor {
	a := &actor{
		slug:  room.Slug,
		store: s,
		inbox: make(chan command),
		done:  make(chan struct{}),
		state: newRoomState(room, s.clock),
		log:   logger.Room(room.Slug),
	}
	a.view.Store(a.state.view())
	s.actors[room.Slug] = a
	s.wg.Add(1)
	go a.run()
	a.log.Info("Room actor started", logger.String("instance", s.instanceID))
	return a
}

// evict 从表中移除 actor；调用方为 actor 自身
func (s *Store) evict(a *actor) {
	s.mu.Lock()
	if s.actors[a.slug] == a {
		delete(s.actors, a.slug)
	}
	s.mu.Unlock()
}

// Do 在本地房间 actor 上执行一次变更
// actor 恰好被驱逐时重新加载后重试；房间由其他实例持有时返回 model.ErrUnavailable
func (s *Store) Do(ctx context.Context, slug string, fn func(*roomState) error) error {
	for {
		a, owner, err := s.acquire(ctx, slug)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("room %s owned by %s: %w", slug, owner, model.ErrUnavailable)
		}
		err = a.do(ctx, fn)
		if errors.Is(err, errActorStopped) {
			continue
		}
		return err
	}
}

// View 返回房间最新视图，必要时加载房间或向持有实例查询
func (s *Store) View(ctx context.Context, slug string) (*View, error) {
	a, owner, err := s.acquire(ctx, slug)
	if err != nil {
		return nil, err
	}
	if a == nil {
		var view *View
		if err := s.forward(ctx, owner, slug, opView, json.RawMessage(`{}`), &view); err != nil {
			return nil, err
		}
		return view, nil
	}
	return a.view.Load(), nil
}

// Peek 只查询本地已加载的房间
func (s *Store) Peek(slug string) (*View, bool) {
	s.mu.Lock()
	a, ok := s.actors[slug]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return a.view.Load(), true
}

// Loaded 本地已加载房间数
func (s *Store) Loaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// Shutdown 停止所有 actor，归档历史并释放租约
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ========== 房间操作 ==========

// Join 参与者连接
func (s *Store) Join(ctx context.Context, slug string, p model.Participant) error {
	_, err := run[struct{}](ctx, s, slug, opJoin, p)
	return err
}

// Leave 参与者断开
func (s *Store) Leave(ctx context.Context, slug, participantID, connectionID string) error {
	_, err := run[struct{}](ctx, s, slug, opLeave, leaveArgs{ParticipantID: participantID, ConnectionID: connectionID})
	return err
}

// Enqueue 添加歌曲到队列
func (s *Store) Enqueue(ctx context.Context, slug string, song *model.QueueSong) (model.QueueSong, error) {
	return run[model.QueueSong](ctx, s, slug, opEnqueue, song)
}

// Remove 删除队列中的歌曲
func (s *Store) Remove(ctx context.Context, slug, songID, requesterID string) error {
	_, err := run[struct{}](ctx, s, slug, opRemove, songArgs{SongID: songID, RequesterID: requesterID})
	return err
}

// Reorder 调整歌曲顺序
func (s *Store) Reorder(ctx context.Context, slug, songID string, newIndex int, requesterID string) error {
	_, err := run[struct{}](ctx, s, slug, opReorder, reorderArgs{SongID: songID, Position: newIndex, RequesterID: requesterID})
	return err
}

// SongEnded 歌曲自然结束
func (s *Store) SongEnded(ctx context.Context, slug, songID string) (bool, error) {
	return run[bool](ctx, s, slug, opSongEnded, songArgs{SongID: songID})
}

// SourceUnavailable 音源不可播放，按结束处理
func (s *Store) SourceUnavailable(ctx context.Context, slug, songID string) (bool, error) {
	return run[bool](ctx, s, slug, opSourceUnavailable, songArgs{SongID: songID})
}

// HostSkip 房主切歌
func (s *Store) HostSkip(ctx context.Context, slug, requesterID string) (bool, error) {
	return run[bool](ctx, s, slug, opHostSkip, requesterArgs{RequesterID: requesterID})
}

// CastVote 投票跳过当前歌曲
func (s *Store) CastVote(ctx context.Context, slug, songID, voterID string) (VoteTally, error) {
	return run[VoteTally](ctx, s, slug, opCastVote, songArgs{SongID: songID, RequesterID: voterID})
}

// Play 房主播放
func (s *Store) Play(ctx context.Context, slug, requesterID, songID string, positionMs int64) error {
	_, err := run[struct{}](ctx, s, slug, opPlay, playbackArgs{RequesterID: requesterID, SongID: songID, PositionMs: positionMs})
	return err
}

// Pause 房主暂停
func (s *Store) Pause(ctx context.Context, slug, requesterID string, positionMs int64) error {
	_, err := run[struct{}](ctx, s, slug, opPause, playbackArgs{RequesterID: requesterID, PositionMs: positionMs})
	return err
}

// SeekTo 房主跳转
func (s *Store) SeekTo(ctx context.Context, slug, requesterID string, positionMs int64) error {
	_, err := run[struct{}](ctx, s, slug, opSeek, playbackArgs{RequesterID: requesterID, PositionMs: positionMs})
	return err
}

// UpdateSettings 在 actor 内合并部分设置、持久化并广播
// 并发修改不同字段时互不覆盖
func (s *Store) UpdateSettings(ctx context.Context, slug, requesterID string, raw map[string]any) (SettingsResult, error) {
	return run[SettingsResult](ctx, s, slug, opUpdateSettings, settingsArgs{RequesterID: requesterID, Settings: raw})
}

// Close 房主关闭房间：标记为不活跃、通知并断开所有连接、卸载 actor
func (s *Store) Close(ctx context.Context, slug, requesterID string) error {
	_, err := run[struct{}](ctx, s, slug, opClose, requesterArgs{RequesterID: requesterID})
	return err
}

// History 当前房间的历史记录
func (s *Store) History(ctx context.Context, slug string) ([]model.QueueSong, error) {
	return run[[]model.QueueSong](ctx, s, slug, opHistory, struct{}{})
}

// ========== actor ==========

type command struct {
	fn    func(*roomState) error
	reply chan error
}

type actor struct {
	slug  string
	store *Store
	inbox chan command
	done  chan struct{}
	view  atomic.Pointer[View]
	state *roomState
	log   *zap.Logger
}

// do 提交命令并等待结果；actor 接收后一定会回复
func (a *actor) do(ctx context.Context, fn func(*roomState) error) error {
	reply := make(chan error, 1)
	select {
	case a.inbox <- command{fn: fn, reply: reply}:
	case <-a.done:
		return errActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

func (a *actor) run() {
	defer a.store.wg.Done()
	defer close(a.done)

	// 房间无人时，每次变更都重新计时；有人在线时不计时
	var idle clockwork.Timer
	var idleC <-chan time.Time
	disarmIdle := func() {
		if idle != nil {
			idle.Stop()
			idle, idleC = nil, nil
		}
	}
	resetIdle := func() {
		disarmIdle()
		if a.store.idleTTL > 0 {
			idle = a.store.clock.NewTimer(a.store.idleTTL)
			idleC = idle.Chan()
		}
	}
	resetIdle()

	// 新 actor 的版本号从零开始，先清掉上一任持有者留下的镜像
	if a.store.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.store.mirror.DeleteView(ctx, a.slug); err != nil {
			a.log.Warn("Reset room view mirror failed", logger.ErrorField(err))
		}
		cancel()
	}

	var renewC <-chan time.Time
	if a.store.lease != nil {
		ticker := a.store.clock.NewTicker(a.store.leaseTTL / 3)
		defer ticker.Stop()
		renewC = ticker.Chan()
	}

	for {
		select {
		case cmd := <-a.inbox:
			err := cmd.fn(a.state)
			envs := a.state.drain()
			if len(envs) > 0 {
				a.publish(envs)
			}
			// 关闭房间时先卸载再回复，调用方返回后房间已不可见
			if a.state.closed {
				disarmIdle()
				a.store.evict(a)
				a.finish(true)
				a.log.Info("Room closed by host")
				cmd.reply <- err
				return
			}
			cmd.reply <- err

			if len(a.state.participants) == 0 {
				resetIdle()
			} else {
				disarmIdle()
			}

		case <-idleC:
			a.store.evict(a)
			a.log.Info("Room evicted after idle timeout", logger.Duration("ttl", a.store.idleTTL))
			a.finish(true)
			return

		case <-renewC:
			if !a.renewLease() {
				disarmIdle()
				a.store.evict(a)
				a.log.Warn("Room lease lost, unloading")
				a.finish(false)
				return
			}

		case <-a.store.ctx.Done():
			disarmIdle()
			a.store.evict(a)
			a.finish(true)
			return
		}
	}
}

// renewLease 续期租约；续期失败时尝试重新获取
// 租约存储不可达时继续运行，由下一次续期判定
func (a *actor) renewLease() bool {
	s := a.store
	ctx, cancel := context.WithTimeout(context.Background(), s.leaseTTL/3)
	defer cancel()

	ok, err := s.lease.Renew(ctx, a.slug, s.instanceID, s.leaseTTL)
	if err != nil {
		a.log.Warn("Renew room lease failed", logger.ErrorField(err))
		return true
	}
	if ok {
		return true
	}
	holder, err := s.lease.Acquire(ctx, a.slug, s.instanceID, s.leaseTTL)
	if err != nil {
		a.log.Warn("Reacquire room lease failed", logger.ErrorField(err))
		return true
	}
	if holder != s.instanceID {
		a.log.Warn("Room lease taken over", logger.String("holder", holder))
		return false
	}
	return true
}

// publish 先发布视图再按顺序推送消息
func (a *actor) publish(envs []Envelope) {
	view := a.state.view()
	a.view.Store(view)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, env := range envs {
		if err := a.store.relay.Publish(ctx, env); err != nil {
			a.log.Warn("Relay publish failed", logger.ErrorField(err))
		}
	}

	if a.store.mirror != nil {
		data, err := json.Marshal(view)
		if err == nil {
			err = a.store.mirror.SetView(ctx, a.slug, view.Version, data)
		}
		if err != nil {
			a.log.Warn("Room view mirror failed", logger.ErrorField(err))
		}
	}
}

// finish 归档历史；release 为真时同时清理镜像并释放租约
// 租约已被其他实例接管时镜像属于新持有者，不能删除
func (a *actor) finish(release bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.store.archiver != nil {
		if history := a.state.queue.History(); len(history) > 0 {
			if err := a.store.archiver.ArchiveHistory(ctx, a.slug, history); err != nil {
				a.log.Warn("Archive room history failed", logger.ErrorField(err))
			} else {
				a.log.Info("Room history archived", logger.Int("songs", len(history)))
			}
		}
	}
	if !release {
		return
	}
	if a.store.mirror != nil {
		if err := a.store.mirror.DeleteView(ctx, a.slug); err != nil {
			a.log.Warn("Delete room view mirror failed", logger.ErrorField(err))
		}
	}
	if a.store.lease != nil {
		if err := a.store.lease.Release(ctx, a.slug, a.store.instanceID); err != nil {
			a.log.Warn("Release room lease failed", logger.ErrorField(err))
		}
	}
}
