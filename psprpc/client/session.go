// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

// ErrNoTable is returned by Session methods that need a table before
// SetTable was called.
var ErrNoTable = errors.New("session has no table")

// TableStats summarize the current view of a Session.
type TableStats struct {
	IsGroupBy       bool
	IsFiltered      bool
	NumTableRows    uint32
	NumTableColumns uint32
	NumViewRows     uint32
	NumViewColumns  uint32
}

// Session keeps one View in step with a ViewConfig over one Table. Every
// effective config change replaces the server view, moves the update
// subscription to the new view and refreshes the table stats.
type Session struct {
	client *Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	table    *Table
	view     *View
	config   psprpc.ViewConfig
	updateID uint32
	stats    *TableStats

	listenersMu  sync.Mutex
	nextListener int
	listeners    map[int]func(TableStats)
}

// NewSession creates an empty session bound to c.
func NewSession(c *Client) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		client:    c,
		logger:    c.logger.With("component", "session"),
		ctx:       ctx,
		cancel:    cancel,
		config:    psprpc.NewViewConfig(),
		listeners: make(map[int]func(TableStats)),
	}
}

// SetTable binds the session to t with a default config, replacing any
// previous table and view.
func (s *Session) SetTable(ctx context.Context, t *Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.teardownViewLocked(ctx); err != nil {
		s.logger.Warn("deleting previous view", "error", err)
	}
	s.table = t
	s.stats = nil
	return s.replaceViewLocked(ctx, psprpc.NewViewConfig())
}

func (s *Session) Table() *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

func (s *Session) View() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Config returns a copy of the config of the current view.
func (s *Session) Config() psprpc.ViewConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Clone()
}

// UpdateConfig merges u into the session config. When any field is set the
// view is recreated; it reports whether that happened. On failure the
// previous view and config stay in place.
func (s *Session) UpdateConfig(ctx context.Context, u psprpc.ViewConfigUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table == nil {
		return false, ErrNoTable
	}
	next := s.config.Clone()
	if !next.ApplyUpdate(u) {
		return false, nil
	}
	if err := s.checkSupported(&next); err != nil {
		return false, err
	}
	if err := s.replaceViewLocked(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// ResetConfig restores the default config, keeping expressions unless
// resetExpressions.
func (s *Session) ResetConfig(ctx context.Context, resetExpressions bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table == nil {
		return ErrNoTable
	}
	next := s.config.Clone()
	next.Reset(resetExpressions)
	return s.replaceViewLocked(ctx, next)
}

// CanDeleteExpression reports whether removing the named expression leaves
// the current query unchanged.
func (s *Session) CanDeleteExpression(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.config.IsColumnExpressionInUse(name)
}

// DeleteExpression removes an expression that is not in use.
func (s *Session) DeleteExpression(ctx context.Context, name string) error {
	s.mu.Lock()
	inUse := s.config.IsColumnExpressionInUse(name)
	exprs := maps.Clone(s.config.Expressions)
	s.mu.Unlock()
	if inUse {
		return &ClientError{Kind: KindUnknown, Message: fmt.Sprintf("expression %q is in use", name)}
	}
	if _, ok := exprs[name]; !ok {
		return &ClientError{Kind: KindUnknown, Message: fmt.Sprintf("no expression %q", name)}
	}
	delete(exprs, name)
	_, err := s.UpdateConfig(ctx, psprpc.ViewConfigUpdate{Expressions: &exprs})
	return err
}

// Stats returns the last computed stats, if any.
func (s *Session) Stats() (TableStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		return TableStats{}, false
	}
	return *s.stats, true
}

// OnStats registers cb for every stats refresh. Callbacks run on their own
// goroutine. The returned func removes cb.
func (s *Session) OnStats(cb func(TableStats)) func() {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = cb
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// RefreshStats recomputes the stats of the current view.
func (s *Session) RefreshStats(ctx context.Context) (TableStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshStatsLocked(ctx)
}

// Close deletes the session's view and stops background refreshes. The
// table is left alone.
func (s *Session) Close(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.teardownViewLocked(ctx)
	s.table = nil
	return err
}

func (s *Session) checkSupported(cfg *psprpc.ViewConfig) error {
	features, err := s.client.Features()
	if err != nil {
		// Not initialized: let the server decide.
		return nil
	}
	switch {
	case len(cfg.GroupBy) > 0 && !features.GroupBy:
		return &ClientError{Kind: KindUnknown, Message: "group_by is not supported by this server"}
	case len(cfg.SplitBy) > 0 && !features.SplitBy:
		return &ClientError{Kind: KindUnknown, Message: "split_by is not supported by this server"}
	case len(cfg.Sort) > 0 && !features.Sort:
		return &ClientError{Kind: KindUnknown, Message: "sort is not supported by this server"}
	case len(cfg.Expressions) > 0 && !features.Expressions:
		return &ClientError{Kind: KindUnknown, Message: "expressions are not supported by this server"}
	}
	return nil
}

// replaceViewLocked creates a view for cfg, then retires the old one. The
// session only switches once the new view exists.
func (s *Session) replaceViewLocked(ctx context.Context, cfg psprpc.ViewConfig) error {
	update := cfg.ToUpdate()
	view, err := s.table.View(ctx, &update)
	if err != nil {
		return fmt.Errorf("creating view: %w", err)
	}
	resolved, err := view.GetConfig(ctx)
	if err != nil {
		if delErr := view.Delete(ctx); delErr != nil {
			s.logger.Warn("orphaned view", "view", view.Name(), "error", delErr)
		}
		return fmt.Errorf("reading view config: %w", err)
	}

	var updateID uint32
	if features, ferr := s.client.Features(); ferr != nil || features.OnUpdate {
		updateID, err = view.OnUpdate(ctx, func(OnUpdateData) {
			go s.refreshInBackground()
		}, OnUpdateOptions{})
		if err != nil {
			s.logger.Warn("view update subscription failed", "view", view.Name(), "error", err)
			updateID = 0
		}
	}

	if err := s.teardownViewLocked(ctx); err != nil {
		s.logger.Warn("deleting previous view", "error", err)
	}
	s.view = view
	s.updateID = updateID
	s.config = *resolved

	if _, err := s.refreshStatsLocked(ctx); err != nil {
		s.logger.Warn("refreshing stats", "view", view.Name(), "error", err)
	}
	return nil
}

func (s *Session) teardownViewLocked(ctx context.Context) error {
	if s.view == nil {
		return nil
	}
	view := s.view
	s.view = nil
	if s.updateID != 0 {
		if err := view.RemoveUpdate(ctx, s.updateID); err != nil {
			s.logger.Debug("removing update subscription", "view", view.Name(), "error", err)
		}
		s.updateID = 0
	}
	return view.Delete(ctx)
}

func (s *Session) refreshStatsLocked(ctx context.Context) (TableStats, error) {
	if s.view == nil {
		return TableStats{}, ErrNoTable
	}
	dims, err := s.view.Dimensions(ctx)
	if err != nil {
		return TableStats{}, err
	}
	stats := TableStats{
		IsGroupBy:       len(s.config.GroupBy) > 0,
		IsFiltered:      len(s.config.Filter) > 0,
		NumTableRows:    dims.NumTableRows,
		NumTableColumns: dims.NumTableColumns,
		NumViewRows:     dims.NumViewRows,
		NumViewColumns:  dims.NumViewColumns,
	}
	s.stats = &stats
	s.notify(stats)
	return stats, nil
}

func (s *Session) refreshInBackground() {
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.RefreshStats(s.ctx); err != nil && s.ctx.Err() == nil {
		s.logger.Debug("background stats refresh", "error", err)
	}
}

func (s *Session) notify(stats TableStats) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for _, cb := range s.listeners {
		go cb(stats)
	}
}
