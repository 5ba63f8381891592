// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

// PushFunc delivers an encoded response that is not the direct reply to a
// request: update notifications, delete notifications, hosted table lists.
type PushFunc func(data []byte)

// Option configures a VirtualServer.
type Option func(*VirtualServer)

// WithServerID sets the identifier reported to dispatch hooks and handlers.
func WithServerID(id string) Option {
	return func(s *VirtualServer) { s.serverID = id }
}

// WithDispatchHook registers a hook called around each request.
func WithDispatchHook(hook psprpc.DispatchHook) Option {
	return func(s *VirtualServer) { s.hook = hook }
}

// WithLogger sets the server logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *VirtualServer) { s.logger = logger }
}

// WithPushFunc sets the push sink at construction time.
func WithPushFunc(push PushFunc) Option {
	return func(s *VirtualServer) { s.push = push }
}

type updateSub struct {
	id   uint32
	mode string
}

// VirtualServer decodes requests, keeps the view bookkeeping of one session
// and forwards domain work to a Handler.
//
// Requests are served one at a time. Pushes are delivered synchronously from
// inside HandleRequest, so a PushFunc must not issue a request to the same
// server before returning.
type VirtualServer struct {
	handler  Handler
	serverID string
	hook     psprpc.DispatchHook
	logger   *slog.Logger

	mu   sync.Mutex
	push PushFunc
	// owner is the client bound by Loopback.
	owner any

	viewToTable map[string]string
	viewConfigs map[string]*psprpc.ViewConfig

	viewUpdateSubs  map[string][]updateSub
	viewDeleteSubs  map[string][]uint32
	tableDeleteSubs map[string][]uint32
	hostedTableSubs []uint32

	stats *psprpc.CallStatistics
}

// NewVirtualServer creates a server in front of handler.
func NewVirtualServer(handler Handler, opts ...Option) *VirtualServer {
	s := &VirtualServer{
		handler:         handler,
		logger:          slog.Default(),
		viewToTable:     make(map[string]string),
		viewConfigs:     make(map[string]*psprpc.ViewConfig),
		viewUpdateSubs:  make(map[string][]updateSub),
		viewDeleteSubs:  make(map[string][]uint32),
		tableDeleteSubs: make(map[string][]uint32),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.serverID != "" {
		s.logger = s.logger.With("server_id", s.serverID)
	}
	return s
}

// ServerID returns the identifier set with WithServerID.
func (s *VirtualServer) ServerID() string { return s.serverID }

// SetPushFunc replaces the push sink. A nil sink drops pushes.
func (s *VirtualServer) SetPushFunc(push PushFunc) {
	s.mu.Lock()
	s.push = push
	s.mu.Unlock()
}

// Views returns the ids of the live views, sorted.
func (s *VirtualServer) Views() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.viewToTable))
}

// Close deletes every view this server created and forgets all
// subscriptions. Tables belong to the engine and are left alone.
func (s *VirtualServer) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, viewID := range slices.Sorted(maps.Keys(s.viewToTable)) {
		if err := s.handler.ViewDelete(ctx, viewID); err != nil {
			errs = append(errs, fmt.Errorf("view %q: %w", viewID, err))
		}
		delete(s.viewToTable, viewID)
		delete(s.viewConfigs, viewID)
	}
	clear(s.viewUpdateSubs)
	clear(s.viewDeleteSubs)
	clear(s.tableDeleteSubs)
	s.hostedTableSubs = nil
	return errors.Join(errs...)
}

// HandleRequest serves one encoded request and returns the encoded reply.
// Subscription registrations have no immediate reply and return nil bytes.
// Errors are *VirtualServerError: KindInternal for handler failures, the
// other kinds for protocol failures.
func (s *VirtualServer) HandleRequest(ctx context.Context, data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, meta, err := psprpc.DecodeRequestWithMetadata(data)
	if err != nil {
		vsErr := &VirtualServerError{Kind: KindDecode, Err: err}
		var envErr *psprpc.EnvelopeError
		if errors.As(err, &envErr) {
			vsErr.MsgID = envErr.MsgID
		}
		return nil, vsErr
	}
	if req.Payload == nil {
		return nil, &VirtualServerError{Kind: KindDecode, MsgID: req.MsgID, Err: psprpc.ErrMissingKind}
	}

	kind := req.Payload.Kind()
	info := psprpc.DispatchInfo{
		Kind:              kind,
		Category:          psprpc.CategoryOf(kind),
		EntityID:          req.EntityID,
		MsgID:             req.MsgID,
		ServerID:          s.serverID,
		TransportMetadata: meta,
	}
	stats := &psprpc.CallStatistics{}
	stats.RecordInput(len(data))
	s.stats = stats
	defer func() { s.stats = nil }()

	ctx = withCallContext(ctx, &CallContext{
		MsgID:    req.MsgID,
		EntityID: req.EntityID,
		Kind:     kind,
		ServerID: s.serverID,
		Metadata: meta,
	})

	var token psprpc.HookToken
	var hookActive bool
	if s.hook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.logger.Error("dispatch hook start panic", "err", rv)
				}
			}()
			var hookCtx context.Context
			hookCtx, token = s.hook.OnDispatchStart(ctx, info)
			if hookCtx != nil {
				ctx = hookCtx
			}
			hookActive = true
		}()
	}

	out, handlerErr := s.serve(ctx, req)
	if handlerErr != nil {
		s.logger.Debug("request failed", "kind", kind, "entity_id", req.EntityID, "msg_id", req.MsgID, "err", handlerErr)
	}

	if hookActive {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.logger.Error("dispatch hook end panic", "err", rv)
				}
			}()
			var hookErr error
			if handlerErr != nil {
				hookErr = handlerErr
			}
			s.hook.OnDispatchEnd(ctx, token, info, stats, hookErr)
		}()
	}

	if handlerErr != nil {
		return nil, handlerErr
	}
	return out, nil
}

// Respond is HandleRequest for transports: any error is converted into a
// server_error response carrying the request's msg id, so the waiting
// caller resolves. It returns nil when there is nothing to send.
func (s *VirtualServer) Respond(ctx context.Context, data []byte) []byte {
	out, err := s.HandleRequest(ctx, data)
	if err == nil {
		return out
	}
	vsErr := internalError(err)
	resp := &psprpc.Response{
		MsgID: vsErr.MsgID,
		Payload: &psprpc.ServerError{
			Message:   vsErr.Message(),
			ErrorKind: string(vsErr.Kind),
		},
	}
	if vsErr.Kind == KindUnknownViewID {
		resp.EntityID = vsErr.ViewID
	}
	encoded, encErr := psprpc.EncodeResponse(resp)
	if encErr != nil {
		s.logger.Error("encoding error response", "err", encErr, "cause", err)
		return nil
	}
	return encoded
}

func (s *VirtualServer) serve(ctx context.Context, req *psprpc.Request) (_ []byte, vsErr *VirtualServerError) {
	defer func() {
		if rv := recover(); rv != nil {
			s.logger.Error("handler panic", "request", req.Payload.Kind(), "err", rv)
			vsErr = &VirtualServerError{Kind: KindInternal, MsgID: req.MsgID, Err: fmt.Errorf("panic: %v", rv)}
		}
	}()
	payload, err := s.dispatch(ctx, req)
	if err != nil {
		e := internalError(err)
		e.MsgID = req.MsgID
		return nil, e
	}
	if payload == nil {
		return nil, nil
	}
	out, err := psprpc.EncodeResponse(&psprpc.Response{MsgID: req.MsgID, EntityID: req.EntityID, Payload: payload})
	if err != nil {
		return nil, &VirtualServerError{Kind: KindEncode, MsgID: req.MsgID, Err: err}
	}
	s.stats.RecordOutput(len(out))
	return out, nil
}

// dispatch routes one request. A nil payload with a nil error means the
// request registered a subscription and has no reply.
func (s *VirtualServer) dispatch(ctx context.Context, req *psprpc.Request) (psprpc.Payload, error) {
	id := req.EntityID
	switch p := req.Payload.(type) {
	// Discovery
	case *psprpc.GetFeaturesReq:
		return s.getFeatures(ctx)
	case *psprpc.GetHostedTablesReq:
		return s.getHostedTables(ctx, req.MsgID, p)
	case *psprpc.RemoveHostedTablesUpdateReq:
		s.hostedTableSubs = removeID(s.hostedTableSubs, p.ID)
		return &psprpc.RemoveHostedTablesUpdateResp{}, nil
	case *psprpc.ServerSystemInfoReq:
		return s.systemInfo(ctx)

	// Table
	case *psprpc.MakeTableReq:
		return s.makeTable(ctx, id, p)
	case *psprpc.TableSchemaReq:
		schema, err := s.handler.TableSchema(ctx, id)
		if err != nil {
			return nil, err
		}
		return &psprpc.TableSchemaResp{Schema: schema}, nil
	case *psprpc.TableSizeReq:
		size, err := s.handler.TableSize(ctx, id)
		if err != nil {
			return nil, err
		}
		return &psprpc.TableSizeResp{Size: size}, nil
	case *psprpc.TableMakePortReq:
		return s.makePort(ctx, id)
	case *psprpc.TableUpdateReq:
		return s.mutateTable(ctx, id, p.PortID, func(m TableMutator) error {
			return m.TableUpdate(ctx, id, p.Data, p.PortID)
		}, &psprpc.TableUpdateResp{})
	case *psprpc.TableReplaceReq:
		return s.mutateTable(ctx, id, 0, func(m TableMutator) error {
			return m.TableReplace(ctx, id, p.Data)
		}, &psprpc.TableReplaceResp{})
	case *psprpc.TableRemoveReq:
		return s.mutateTable(ctx, id, 0, func(m TableMutator) error {
			return m.TableRemove(ctx, id, p.Data)
		}, &psprpc.TableRemoveResp{})
	case *psprpc.TableDeleteReq:
		return s.deleteTable(ctx, id, p.Force)
	case *psprpc.TableValidateExprReq:
		return s.validateExpressions(ctx, id, p.ColumnToExpr)
	case *psprpc.TableOnDeleteReq:
		s.tableDeleteSubs[id] = append(s.tableDeleteSubs[id], req.MsgID)
		return nil, nil
	case *psprpc.TableRemoveDeleteReq:
		s.tableDeleteSubs[id] = removeID(s.tableDeleteSubs[id], p.ID)
		return &psprpc.TableRemoveDeleteResp{}, nil
	case *psprpc.TableMakeViewReq:
		return s.makeView(ctx, id, p)

	// View
	case *psprpc.ViewSchemaReq:
		return s.viewSchema(ctx, id)
	case *psprpc.ViewDimensionsReq:
		return s.viewDimensions(ctx, id)
	case *psprpc.ViewGetConfigReq:
		_, cfg, err := s.lookupView(id)
		if err != nil {
			return nil, err
		}
		return &psprpc.ViewGetConfigResp{Config: cfg.Clone()}, nil
	case *psprpc.ViewExpressionSchemaReq:
		return s.viewExpressionSchema(ctx, id)
	case *psprpc.ViewColumnPathsReq:
		return s.viewColumnPaths(ctx, id)
	case *psprpc.ViewToArrowReq:
		return s.viewToArrow(ctx, id, p.Viewport)
	case *psprpc.ViewToColumnsStringReq:
		return s.viewToColumns(ctx, id, p.Viewport, windowFlags{id: p.ID, index: p.Index, formatted: p.Formatted})
	case *psprpc.ViewToRowsStringReq:
		return s.viewToRows(ctx, id, p.Viewport, windowFlags{id: p.ID, index: p.Index, formatted: p.Formatted})
	case *psprpc.ViewToCsvReq:
		return s.viewToCSV(ctx, id, p.Viewport)
	case *psprpc.ViewDeleteReq:
		return s.deleteView(ctx, id)
	case *psprpc.ViewGetMinMaxReq:
		return s.viewMinMax(ctx, id, p.ColumnName)
	case *psprpc.ViewOnUpdateReq:
		if _, _, err := s.lookupView(id); err != nil {
			return nil, err
		}
		s.viewUpdateSubs[id] = append(s.viewUpdateSubs[id], updateSub{id: req.MsgID, mode: p.Mode})
		return nil, nil
	case *psprpc.ViewRemoveOnUpdateReq:
		s.viewUpdateSubs[id] = slices.DeleteFunc(s.viewUpdateSubs[id], func(u updateSub) bool { return u.id == p.ID })
		return &psprpc.ViewRemoveOnUpdateResp{}, nil
	case *psprpc.ViewOnDeleteReq:
		if _, _, err := s.lookupView(id); err != nil {
			return nil, err
		}
		s.viewDeleteSubs[id] = append(s.viewDeleteSubs[id], req.MsgID)
		return nil, nil
	case *psprpc.ViewRemoveDeleteReq:
		s.viewDeleteSubs[id] = removeID(s.viewDeleteSubs[id], p.ID)
		return &psprpc.ViewRemoveDeleteResp{}, nil
	case *psprpc.ViewCollapseReq:
		return s.navigate(ctx, id, func(n TreeNavigator) (psprpc.Payload, error) {
			changed, err := n.ViewCollapse(ctx, id, p.RowIndex)
			return &psprpc.ViewCollapseResp{NumChanged: changed}, err
		})
	case *psprpc.ViewExpandReq:
		return s.navigate(ctx, id, func(n TreeNavigator) (psprpc.Payload, error) {
			changed, err := n.ViewExpand(ctx, id, p.RowIndex)
			return &psprpc.ViewExpandResp{NumChanged: changed}, err
		})
	case *psprpc.ViewSetDepthReq:
		return s.setDepth(ctx, id, p.Depth)
	}
	return nil, &VirtualServerError{Kind: KindDecode, Err: fmt.Errorf("%s is not a request", req.Payload.Kind())}
}

// lookupView resolves a view id to its owning table and stored config.
func (s *VirtualServer) lookupView(viewID string) (string, *psprpc.ViewConfig, error) {
	tableID, ok := s.viewToTable[viewID]
	if !ok {
		return "", nil, &VirtualServerError{Kind: KindUnknownViewID, ViewID: viewID}
	}
	return tableID, s.viewConfigs[viewID], nil
}

// viewsOf returns the sorted ids of the views of tableID.
func (s *VirtualServer) viewsOf(tableID string) []string {
	var ids []string
	for viewID, owner := range s.viewToTable {
		if owner == tableID {
			ids = append(ids, viewID)
		}
	}
	slices.Sort(ids)
	return ids
}

// pushPayload encodes and delivers one push tagged with a subscription id.
func (s *VirtualServer) pushPayload(msgID uint32, entityID string, payload psprpc.Payload) {
	if s.push == nil {
		return
	}
	data, err := psprpc.EncodeResponse(&psprpc.Response{MsgID: msgID, EntityID: entityID, Payload: payload})
	if err != nil {
		s.logger.Error("encoding push", "kind", payload.Kind(), "msg_id", msgID, "err", err)
		return
	}
	if s.stats != nil {
		s.stats.RecordPush(len(data))
	}
	s.push(data)
}

func removeID(ids []uint32, id uint32) []uint32 {
	return slices.DeleteFunc(ids, func(v uint32) bool { return v == id })
}
