package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

// reopeningSession owns a target's session for one crawl. A fetch that fails
// with crawler.ErrSessionLost closes the dead session; the next fetch, whether
// a retry of the same cursor or the next cursor, opens a fresh one.
type reopeningSession struct {
	factory crawler.SessionFactory
	logger  *zap.Logger
	current crawler.Session
	reopens int
}

func newReopeningSession(factory crawler.SessionFactory, first crawler.Session, logger *zap.Logger) *reopeningSession {
	return &reopeningSession{factory: factory, logger: logger, current: first}
}

func (s *reopeningSession) Fetch(ctx context.Context, target crawler.Target, cursor int) (crawler.RawPage, error) {
	if s.current == nil {
		sess, err := s.factory.Open(ctx, target)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return crawler.RawPage{}, fmt.Errorf("reopen session %s: %w", target.Key, ctxErr)
			}
			if crawler.IsPermanent(err) {
				return crawler.RawPage{}, err
			}
			return crawler.RawPage{}, &crawler.TransientFetchError{Target: target.Key, Cursor: cursor, Reason: "reopen session", Err: err}
		}
		s.current = sess
		s.reopens++
		s.logger.Info("session reopened", zap.Int("cursor", cursor), zap.Int("reopens", s.reopens))
	}

	page, err := s.current.Fetch(ctx, target, cursor)
	if err != nil && errors.Is(err, crawler.ErrSessionLost) {
		s.logger.Warn("session lost; reopening before next fetch", zap.Int("cursor", cursor), zap.Error(err))
		s.release()
	}
	return page, err
}

func (s *reopeningSession) release() {
	if s.current == nil {
		return
	}
	if err := s.current.Close(); err != nil {
		s.logger.Warn("close lost session failed", zap.Error(err))
	}
	s.current = nil
}

func (s *reopeningSession) Close() error {
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}
