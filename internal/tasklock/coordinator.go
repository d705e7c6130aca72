// Package tasklock はストレージを介したポーリング型のリーダー選出により、
// クラスタ全体で1台のサーバーだけがメンテナンスタスクを実行するよう調停する。
package tasklock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/dashboard/internal/metrics"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/repository"
)

// 既定値
const (
	DefaultNegotiationWindow = 3 * time.Minute
	DefaultExpirationPeriod  = 12 * time.Hour
	DefaultBackoffDelay      = 5 * time.Second
)

// Config はCoordinatorの設定。
type Config struct {
	// ServerID はクラスタ内でこのサーバーを一意に識別する。
	ServerID string
	// NegotiationWindow は最初の申請から最古の申請者が昇格するまでの待ち時間。
	NegotiationWindow time.Duration
	// ExpirationPeriod はハートビートが途絶えたリーダーを死亡とみなすまでの時間。
	// 担当サーバーのローカルキャッシュの有効期間でもある。
	ExpirationPeriod time.Duration
	// BackoffDelay は他のタスクを保持・先頭待ちしている場合に新規申請を見送る時間。
	BackoffDelay time.Duration
	// Tasks は譲り合いの判定で走査するタスク集合。空の場合はmodel.TaskNames()。
	Tasks []string
	// Now は現在時刻を返す。nilの場合はtime.Now。
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.NegotiationWindow <= 0 {
		c.NegotiationWindow = DefaultNegotiationWindow
	}
	if c.ExpirationPeriod <= 0 {
		c.ExpirationPeriod = DefaultExpirationPeriod
	}
	if c.BackoffDelay <= 0 {
		c.BackoffDelay = DefaultBackoffDelay
	}
	if len(c.Tasks) == 0 {
		c.Tasks = model.TaskNames()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Coordinator はタスクごとのロック交渉を行う。
// キャッシュはこのサーバー内の参考情報であり、正はストレージ上の行。
type Coordinator struct {
	uow     repository.UnitOfWork
	cfg     Config
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	// mu はキャッシュのみを保護し、ストレージ呼び出しの間は保持しない。
	mu                   sync.Mutex
	expirationTimes      map[string]time.Time
	serverAssignments    map[string]string
	negotiationDeadlines map[string]time.Time
	generations          map[string]uint64
	delay                time.Time
}

// NewCoordinator は新しいCoordinatorを生成する。
func NewCoordinator(
	uow repository.UnitOfWork,
	cfg Config,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) (*Coordinator, error) {
	if cfg.ServerID == "" {
		return nil, fmt.Errorf("サーバーIDは必須です: %w", model.ErrInvalidInput)
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		uow:                  uow,
		cfg:                  cfg.withDefaults(),
		metrics:              collector,
		logger:               logger,
		expirationTimes:      make(map[string]time.Time),
		serverAssignments:    make(map[string]string),
		negotiationDeadlines: make(map[string]time.Time),
		generations:          make(map[string]uint64),
	}, nil
}

// ServerID はこのサーバーのIDを返す。
func (c *Coordinator) ServerID() string {
	return c.cfg.ServerID
}

// outcome は1回の判定結果と、コミット後にキャッシュへ反映する変更。
type outcome struct {
	owner    bool
	assignTo string
	claimed  bool
	backoff  bool
	reset    bool
}

// view は判定に使うキャッシュの写し。
type view struct {
	deadline    time.Time
	hasDeadline bool
	delay       time.Time
	generation  uint64
}

// CheckTaskLock はこのサーバーがタスクを実行すべきかを返す。
// 全サーバーが毎ティック呼び出すことで、最古の申請者が交渉期間の経過後にリーダーとなる。
func (c *Coordinator) CheckTaskLock(ctx context.Context, task string) (bool, error) {
	if task == "" {
		return false, fmt.Errorf("タスク名は必須です: %w", model.ErrInvalidInput)
	}

	now := c.cfg.Now()
	c.mu.Lock()
	if exp, ok := c.expirationTimes[task]; ok && exp.After(now) {
		if owner := c.serverAssignments[task]; owner != "" {
			c.mu.Unlock()
			return owner == c.cfg.ServerID, nil
		}
	}
	v := view{delay: c.delay, generation: c.generations[task]}
	v.deadline, v.hasDeadline = c.negotiationDeadlines[task]
	c.mu.Unlock()

	var out outcome
	err := c.uow.Do(ctx, func(s repository.Store) error {
		var err error
		out, err = c.check(ctx, s, task, now, v)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("タスクロックの確認に失敗しました: %s: %w", task, err)
	}

	c.mu.Lock()
	c.apply(task, now, v.generation, out)
	c.mu.Unlock()
	c.metrics.SetTaskOwned(task, out.owner)
	return out.owner, nil
}

// check はストレージ上の交渉行からタスクの状態を判定する。
func (c *Coordinator) check(ctx context.Context, s repository.Store, task string, now time.Time, v view) (outcome, error) {
	me := c.cfg.ServerID
	locks, err := s.ListTaskLocks(ctx, task)
	if err != nil {
		return outcome{}, err
	}

	if len(locks) > 0 {
		first := locks[0]
		negotiated := v.hasDeadline && v.deadline.Before(now)

		if first.ServerID == me {
			switch {
			case first.HasLock:
				return outcome{owner: true, assignTo: me}, nil
			case negotiated:
				if err := s.PromoteTaskLock(ctx, first.ID, now); err != nil {
					return outcome{}, err
				}
				return outcome{owner: true, assignTo: me}, nil
			case first.ClaimTime.Before(now.Add(-2 * c.cfg.NegotiationWindow)):
				// 再起動などで交渉期限を失った申請。やり直す。
				if err := s.DeleteTaskLocks(ctx, task); err != nil {
					return outcome{}, err
				}
				return outcome{reset: true}, nil
			}
			return outcome{}, nil
		}

		if first.HasLock {
			if first.LastUpdate.Before(now.Add(-c.cfg.ExpirationPeriod)) {
				c.logger.Warn("タスクのリーダーが応答しないためロックを解放します",
					slog.String("task", task),
					slog.String("server_id", first.ServerID),
					slog.Time("last_update", first.LastUpdate),
				)
				if err := s.DeleteTaskLocks(ctx, task); err != nil {
					return outcome{}, err
				}
				return outcome{reset: true}, nil
			}
			return outcome{assignTo: first.ServerID}, nil
		}
		if negotiated {
			return outcome{assignTo: first.ServerID}, nil
		}

		for _, l := range locks {
			if l.ServerID == me {
				return outcome{}, nil
			}
		}
	}

	if v.delay.IsZero() {
		busy, err := c.holdsOtherTask(ctx, s, task)
		if err != nil {
			return outcome{}, err
		}
		if busy {
			return outcome{backoff: true}, nil
		}
	} else if now.Before(v.delay) {
		return outcome{}, nil
	}

	claim := &model.TaskLock{
		Task:       task,
		ServerID:   me,
		ClaimTime:  now,
		HasLock:    false,
		LastUpdate: now,
	}
	if err := s.AddTaskLock(ctx, claim); err != nil {
		return outcome{}, err
	}
	return outcome{claimed: true}, nil
}

// holdsOtherTask はこのサーバーが他のタスクのロックを保持しているか、交渉の先頭にいるかを返す。
func (c *Coordinator) holdsOtherTask(ctx context.Context, s repository.Store, task string) (bool, error) {
	assigned, err := s.ListAssignedTaskLocks(ctx)
	if err != nil {
		return false, err
	}
	for _, l := range assigned {
		if l.ServerID == c.cfg.ServerID {
			return true, nil
		}
	}
	for _, t := range c.cfg.Tasks {
		if t == task {
			continue
		}
		locks, err := s.ListTaskLocks(ctx, t)
		if err != nil {
			return false, err
		}
		if len(locks) > 0 && locks[0].ServerID == c.cfg.ServerID {
			return true, nil
		}
	}
	return false, nil
}

// apply はコミット済みの判定結果をキャッシュへ反映する。c.muを保持して呼び出す。
// 判定中にキャッシュが破棄された場合は結果を捨て、次の判定でストレージから読み直す。
func (c *Coordinator) apply(task string, now time.Time, generation uint64, out outcome) {
	if c.generations[task] != generation {
		return
	}
	if out.assignTo != "" {
		if c.serverAssignments[task] != out.assignTo {
			c.logger.Info("タスクの担当サーバーが決まりました",
				slog.String("task", task),
				slog.String("server_id", out.assignTo),
			)
		}
		c.serverAssignments[task] = out.assignTo
		c.expirationTimes[task] = now.Add(c.cfg.ExpirationPeriod)
	}
	if out.reset {
		c.forget(task)
	}
	if out.claimed {
		c.negotiationDeadlines[task] = now.Add(c.cfg.NegotiationWindow)
		c.delay = time.Time{}
		c.logger.Debug("タスクの実行権を申請しました",
			slog.String("task", task),
			slog.String("server_id", c.cfg.ServerID),
		)
	}
	if out.backoff {
		c.delay = now.Add(c.cfg.BackoffDelay)
		c.logger.Debug("他のサーバーに譲るため申請を見送ります",
			slog.String("task", task),
			slog.Duration("delay", c.cfg.BackoffDelay),
		)
	}
}

func (c *Coordinator) forget(task string) {
	c.generations[task]++
	delete(c.serverAssignments, task)
	delete(c.expirationTimes, task)
	delete(c.negotiationDeadlines, task)
}

// UpdateTaskLock はリーダーのハートビートとしてlast_updateを更新する。
// このサーバーがロックを保持していない場合は何もせず、キャッシュを破棄する。
func (c *Coordinator) UpdateTaskLock(ctx context.Context, task string) error {
	now := c.cfg.Now()
	var touched int
	err := c.uow.Do(ctx, func(s repository.Store) error {
		var err error
		touched, err = s.TouchTaskLock(ctx, task, c.cfg.ServerID, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("タスクロックの更新に失敗しました: %s: %w", task, err)
	}
	if touched > 0 {
		return nil
	}

	c.mu.Lock()
	lost := c.serverAssignments[task] == c.cfg.ServerID
	if lost {
		c.forget(task)
	}
	c.mu.Unlock()

	if lost {
		c.logger.Warn("保持していたタスクロックが見つかりません",
			slog.String("task", task),
			slog.String("server_id", c.cfg.ServerID),
		)
		c.metrics.SetTaskOwned(task, false)
	}
	return nil
}

// RemoveTaskLocks はタスクの交渉行を全て削除し、ローカルキャッシュを破棄する。管理用の復旧操作。
func (c *Coordinator) RemoveTaskLocks(ctx context.Context, task string) error {
	err := c.uow.Do(ctx, func(s repository.Store) error {
		return s.DeleteTaskLocks(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("タスクロックの削除に失敗しました: %s: %w", task, err)
	}

	c.mu.Lock()
	c.forget(task)
	c.mu.Unlock()

	c.metrics.SetTaskOwned(task, false)
	c.logger.Info("タスクロックを削除しました", slog.String("task", task))
	return nil
}

// Snapshot はタスクの交渉行をclaim_time昇順で返す。
func (c *Coordinator) Snapshot(ctx context.Context, task string) ([]*model.TaskLock, error) {
	var locks []*model.TaskLock
	err := c.uow.Do(ctx, func(s repository.Store) error {
		var err error
		locks, err = s.ListTaskLocks(ctx, task)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("タスクロックの取得に失敗しました: %s: %w", task, err)
	}
	return locks, nil
}
