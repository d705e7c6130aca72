// Package directory はContextとSourceTypeの取得・遅延作成をキャッシュ付きで提供する。
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/repository"
)

// motdPath はお知らせコンテキストのURLパス。
const motdPath = "/access/content/public/MOTD%20files/"

// MOTDTitle はお知らせコンテキストのタイトル。
const MOTDTitle = "MOTD"

// ContextResolver はプラットフォームからコンテキストのタイトルとURLを取得する。
type ContextResolver interface {
	ResolveContext(ctx context.Context, contextID string) (title, url string, err error)
}

// Service はContextとSourceTypeを外部IDで解決する。
// 一度コミットされた行のみキャッシュする。
type Service struct {
	uow       repository.UnitOfWork
	resolver  ContextResolver
	serverURL string
	logger    *slog.Logger

	mu       sync.RWMutex
	contexts map[string]*model.Context
	sources  map[string]*model.SourceType
}

// NewService は新しいServiceを生成する。resolverがnilの場合はコンテキストIDをタイトルとして使う。
func NewService(uow repository.UnitOfWork, resolver ContextResolver, serverURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		uow:       uow,
		resolver:  resolver,
		serverURL: strings.TrimRight(serverURL, "/"),
		logger:    logger,
		contexts:  make(map[string]*model.Context),
		sources:   make(map[string]*model.SourceType),
	}
}

// Context は外部コンテキストIDのContextを返す。存在しない場合は作成する。
func (s *Service) Context(ctx context.Context, contextID string) (*model.Context, error) {
	if contextID == "" {
		return nil, fmt.Errorf("コンテキストIDは必須です: %w", model.ErrInvalidInput)
	}

	s.mu.RLock()
	cached, ok := s.contexts[contextID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var found *model.Context
	err := s.uow.Do(ctx, func(st repository.Store) error {
		var err error
		found, err = st.FindContext(ctx, contextID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("コンテキストの取得に失敗しました: %w", err)
	}

	if found == nil {
		c, err := s.describe(ctx, contextID)
		if err != nil {
			return nil, err
		}
		err = s.uow.Do(ctx, func(st repository.Store) error {
			var err error
			found, err = st.CreateContext(ctx, c)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("コンテキストの作成に失敗しました: %w", err)
		}
		s.logger.Info("コンテキストを作成しました",
			slog.String("context_id", contextID),
			slog.String("title", found.Title),
		)
	}

	s.mu.Lock()
	s.contexts[contextID] = found
	s.mu.Unlock()
	return found, nil
}

// describe は作成するContextのタイトルとURLを決定する。
func (s *Service) describe(ctx context.Context, contextID string) (*model.Context, error) {
	if contextID == model.MOTDContextID {
		return &model.Context{
			ContextID: contextID,
			Title:     MOTDTitle,
			URL:       s.serverURL + motdPath,
		}, nil
	}
	if s.resolver == nil {
		return &model.Context{ContextID: contextID, Title: contextID}, nil
	}
	title, url, err := s.resolver.ResolveContext(ctx, contextID)
	if err != nil {
		s.logger.Warn("コンテキスト情報を取得できません",
			slog.String("context_id", contextID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("コンテキスト情報の取得に失敗しました: %s: %w", contextID, err)
	}
	return &model.Context{ContextID: contextID, Title: title, URL: url}, nil
}

// SourceType は識別子のSourceTypeを返す。存在しない場合は作成する。
func (s *Service) SourceType(ctx context.Context, identifier string) (*model.SourceType, error) {
	if identifier == "" {
		return nil, fmt.Errorf("ソース種別の識別子は必須です: %w", model.ErrInvalidInput)
	}

	s.mu.RLock()
	cached, ok := s.sources[identifier]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var found *model.SourceType
	err := s.uow.Do(ctx, func(st repository.Store) error {
		var err error
		found, err = st.FindSourceType(ctx, identifier)
		if err != nil || found != nil {
			return err
		}
		found, err = st.CreateSourceType(ctx, identifier)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ソース種別の取得に失敗しました: %w", err)
	}

	s.mu.Lock()
	s.sources[identifier] = found
	s.mu.Unlock()
	return found, nil
}
