// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"slices"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/google/uuid"
)

// TableInitOptions configure Client.Table. Index and Limit are mutually
// exclusive.
type TableInitOptions struct {
	Name  *string
	Index *string
	Limit *uint32
}

// ToMakeTableOptions validates o and converts it to the wire form.
func (o TableInitOptions) ToMakeTableOptions() (psprpc.MakeTableOptions, error) {
	if o.Index != nil && o.Limit != nil {
		return psprpc.MakeTableOptions{}, &ClientError{
			Kind:    KindBadTableOptions,
			Message: "index and limit are mutually exclusive",
		}
	}
	return psprpc.MakeTableOptions{Index: o.Index, Limit: o.Limit}, nil
}

// UpdateOptions configure Table.Update.
type UpdateOptions struct {
	PortID uint32
}

// DeleteOptions configure Table.Delete.
type DeleteOptions struct {
	// Force deletes the table even while views still reference it.
	Force bool
}

// Table is a handle to a server-owned dataset.
type Table struct {
	name   string
	client *Client
	index  *string
	limit  *uint32
}

// Table creates a table on the server from data. Without an explicit name a
// random entity id is assigned. Invalid options fail before any message is
// sent.
func (c *Client) Table(ctx context.Context, data psprpc.UpdateData, opts TableInitOptions) (*Table, error) {
	options, err := opts.ToMakeTableOptions()
	if err != nil {
		return nil, err
	}
	name := uuid.NewString()
	if opts.Name != nil {
		name = *opts.Name
	}
	if _, err := call[*psprpc.MakeTableResp](ctx, c, name, &psprpc.MakeTableReq{Data: data, Options: options}); err != nil {
		return nil, err
	}
	return &Table{name: name, client: c, index: options.Index, limit: options.Limit}, nil
}

// OpenTable binds to a table the server already hosts.
func (c *Client) OpenTable(ctx context.Context, name string) (*Table, error) {
	tables, err := c.GetHostedTables(ctx)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(tables, func(t psprpc.HostedTable) bool { return t.EntityID == name })
	if i < 0 {
		return nil, &ClientError{Kind: KindUnknown, Message: fmt.Sprintf("unknown table %q", name)}
	}
	return &Table{name: name, client: c, index: tables[i].Index, limit: tables[i].Limit}, nil
}

func (t *Table) Name() string    { return t.name }
func (t *Table) Index() *string  { return t.index }
func (t *Table) Limit() *uint32  { return t.limit }
func (t *Table) Client() *Client { return t.client }

// Features returns the capability features cached by Client.Init.
func (t *Table) Features() (*psprpc.Features, error) {
	return t.client.Features()
}

// Schema returns the table's ordered columns.
func (t *Table) Schema(ctx context.Context) (psprpc.Schema, error) {
	resp, err := call[*psprpc.TableSchemaResp](ctx, t.client, t.name, &psprpc.TableSchemaReq{})
	if err != nil {
		return nil, err
	}
	return resp.Schema, nil
}

// Columns returns the table's column names in order.
func (t *Table) Columns(ctx context.Context) ([]string, error) {
	schema, err := t.Schema(ctx)
	if err != nil {
		return nil, err
	}
	return schema.Names(), nil
}

// Size returns the table's row count.
func (t *Table) Size(ctx context.Context) (uint32, error) {
	resp, err := call[*psprpc.TableSizeResp](ctx, t.client, t.name, &psprpc.TableSizeReq{})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// MakePort allocates an update port. Updates sent on a port are reported
// with its id in on_update pushes.
func (t *Table) MakePort(ctx context.Context) (uint32, error) {
	resp, err := call[*psprpc.TableMakePortResp](ctx, t.client, t.name, &psprpc.TableMakePortReq{})
	if err != nil {
		return 0, err
	}
	return resp.PortID, nil
}

// Update appends rows, or upserts them when the table has an index.
func (t *Table) Update(ctx context.Context, data psprpc.UpdateData, opts UpdateOptions) error {
	_, err := call[*psprpc.TableUpdateResp](ctx, t.client, t.name, &psprpc.TableUpdateReq{Data: data, PortID: opts.PortID})
	return err
}

// Replace swaps the table's rows for data, keeping the schema.
func (t *Table) Replace(ctx context.Context, data psprpc.UpdateData) error {
	_, err := call[*psprpc.TableReplaceResp](ctx, t.client, t.name, &psprpc.TableReplaceReq{Data: data})
	return err
}

// Remove deletes the rows whose index values appear in data. The table must
// have an index.
func (t *Table) Remove(ctx context.Context, data psprpc.UpdateData) error {
	_, err := call[*psprpc.TableRemoveResp](ctx, t.client, t.name, &psprpc.TableRemoveReq{Data: data})
	return err
}

// Delete destroys the table. Without Force it fails while views exist.
func (t *Table) Delete(ctx context.Context, opts DeleteOptions) error {
	_, err := call[*psprpc.TableDeleteResp](ctx, t.client, t.name, &psprpc.TableDeleteReq{Force: opts.Force})
	return err
}

// ValidateExpressions type-checks a batch of named expressions against the
// table. Each entry is validated independently.
func (t *Table) ValidateExpressions(ctx context.Context, exprs map[string]string) (*psprpc.ExprValidationResult, error) {
	resp, err := call[*psprpc.TableValidateExprResp](ctx, t.client, t.name, &psprpc.TableValidateExprReq{ColumnToExpr: exprs})
	if err != nil {
		return nil, err
	}
	result := &psprpc.ExprValidationResult{
		ExpressionSchema: resp.ExpressionSchema,
		Errors:           resp.Errors,
	}
	if result.ExpressionSchema == nil {
		result.ExpressionSchema = map[string]psprpc.ColumnType{}
	}
	if result.Errors == nil {
		result.Errors = map[string]psprpc.ExprValidationError{}
	}
	return result, nil
}

// OnDelete calls cb once when the table is deleted. The returned id is
// passed to RemoveDelete.
func (t *Table) OnDelete(ctx context.Context, cb func()) (uint32, error) {
	req := t.client.NewRequest(t.name, &psprpc.TableOnDeleteReq{})
	err := t.client.SubscribeOnce(ctx, req, func(resp *psprpc.Response) error {
		if _, ok := resp.Payload.(*psprpc.TableOnDeleteResp); !ok {
			return unexpectedResponse("table_on_delete_resp", resp.Payload)
		}
		cb()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return req.MsgID, nil
}

// RemoveDelete cancels an OnDelete callback.
func (t *Table) RemoveDelete(ctx context.Context, id uint32) error {
	if err := t.client.Unsubscribe(id); err != nil {
		return err
	}
	_, err := call[*psprpc.TableRemoveDeleteResp](ctx, t.client, t.name, &psprpc.TableRemoveDeleteReq{ID: id})
	return err
}

// View creates a view over the table. A nil config creates the default view.
// The server must echo the requested view id.
func (t *Table) View(ctx context.Context, config *psprpc.ViewConfigUpdate) (*View, error) {
	viewID := uuid.NewString()
	req := &psprpc.TableMakeViewReq{ViewID: viewID}
	if config != nil {
		req.Config = *config
	}
	resp, err := call[*psprpc.TableMakeViewResp](ctx, t.client, t.name, req)
	if err != nil {
		return nil, err
	}
	if resp.ViewID != viewID {
		return nil, &ClientError{
			Kind:     KindUnknown,
			Message:  fmt.Sprintf("requested view %q, server created %q", viewID, resp.ViewID),
			Response: resp,
		}
	}
	return &View{name: viewID, table: t.name, client: t.client}, nil
}
