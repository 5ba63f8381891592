// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/client"
	"github.com/google/uuid"
)

// Scenario is one named protocol check.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, c *client.Client) error
}

// Result is the outcome of one scenario.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Scenarios lists every check in the order Run executes them.
var Scenarios = []Scenario{
	{"features", checkFeatures},
	{"system_info", checkSystemInfo},
	{"table_lifecycle", checkTableLifecycle},
	{"named_table", checkNamedTable},
	{"bad_table_options", checkBadTableOptions},
	{"view_data", checkViewData},
	{"view_viewport", checkViewport},
	{"view_config_roundtrip", checkConfigRoundTrip},
	{"expressions", checkExpressions},
	{"indexed_upsert", checkIndexedUpsert},
	{"limit_table", checkLimit},
	{"replace_and_remove", checkReplaceRemove},
	{"update_subscription", checkUpdateSubscription},
	{"hosted_tables_subscription", checkHostedTablesSubscription},
	{"delete_requires_force", checkDeleteRequiresForce},
	{"unknown_view", checkUnknownView},
	{"tree_navigation", checkTreeNavigation},
}

// Run calls Init on c and executes the scenarios whose name matches
// filter; an empty filter runs all of them. Scenarios run one at a time.
func Run(ctx context.Context, c *client.Client, filter string) ([]Result, error) {
	var re *regexp.Regexp
	if filter != "" {
		var err error
		if re, err = regexp.Compile(filter); err != nil {
			return nil, fmt.Errorf("scenario filter: %w", err)
		}
	}
	if err := c.Init(ctx); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	var results []Result
	for _, s := range Scenarios {
		if re != nil && !re.MatchString(s.Name) {
			continue
		}
		start := time.Now()
		err := s.Run(ctx, c)
		results = append(results, Result{Name: s.Name, Err: err, Duration: time.Since(start)})
	}
	return results, nil
}

// Failed returns the results that carry an error.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

const pushTimeout = 5 * time.Second

const quotesCSV = "sym,qty,px\nabc,3,1.5\nxyz,,0.25\nmno,7,4\n"

func tableName(prefix string) *string {
	name := prefix + "-" + uuid.NewString()
	return &name
}

func expect(ok bool, format string, args ...any) error {
	if ok {
		return nil
	}
	return fmt.Errorf(format, args...)
}

func expectEqual(what string, want, got any) error {
	return expect(reflect.DeepEqual(want, got), "%s: want %#v, got %#v", what, want, got)
}

// quotes creates the fixture table. The caller deletes it with Force.
func quotes(ctx context.Context, c *client.Client, opts client.TableInitOptions) (*client.Table, error) {
	if opts.Name == nil {
		opts.Name = tableName("quotes")
	}
	t, err := c.Table(ctx, psprpc.FromCSV(quotesCSV), opts)
	if err != nil {
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return t, nil
}

func dispose(ctx context.Context, t *client.Table, err *error) {
	if derr := t.Delete(ctx, client.DeleteOptions{Force: true}); derr != nil && *err == nil {
		*err = fmt.Errorf("deleting table: %w", derr)
	}
}

func wait[T any](ch <-chan T, what string) (T, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-time.After(pushTimeout):
		var zero T
		return zero, fmt.Errorf("timed out waiting for %s", what)
	}
}

func checkFeatures(_ context.Context, c *client.Client) error {
	f, err := c.Features()
	if err != nil {
		return err
	}
	return errors.Join(
		expect(f.Sort, "sort is not supported"),
		expect(f.Expressions, "expressions are not supported"),
		expect(f.SupportsFilterOp(psprpc.TypeFloat, ">"), "no > filter for floats"),
		expect(f.SupportsFilterOp(psprpc.TypeString, "=="), "no == filter for strings"),
	)
}

func checkSystemInfo(ctx context.Context, c *client.Client) error {
	info, err := c.SystemInfo(ctx)
	if err != nil {
		return err
	}
	return expect(info.UsedSize <= info.HeapSize || info.HeapSize == 0,
		"used size %d exceeds heap size %d", info.UsedSize, info.HeapSize)
}

func checkTableLifecycle(ctx context.Context, c *client.Client) (err error) {
	t, err := c.Table(ctx, psprpc.FromCSV(quotesCSV), client.TableInitOptions{})
	if err != nil {
		return err
	}
	names, err := c.GetHostedTableNames(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(names, t.Name()) {
		return fmt.Errorf("generated table %q is not hosted", t.Name())
	}

	schema, err := t.Schema(ctx)
	if err != nil {
		return err
	}
	want := psprpc.Schema{
		{Name: "sym", Type: psprpc.TypeString},
		{Name: "qty", Type: psprpc.TypeInteger},
		{Name: "px", Type: psprpc.TypeFloat},
	}
	size, err := t.Size(ctx)
	if err != nil {
		return err
	}
	columns, err := t.Columns(ctx)
	if err != nil {
		return err
	}
	if err := errors.Join(
		expectEqual("schema", want, schema),
		expectEqual("size", uint32(3), size),
		expectEqual("columns", []string{"sym", "qty", "px"}, columns),
	); err != nil {
		return err
	}

	deleted := make(chan struct{}, 1)
	if _, err := t.OnDelete(ctx, func() { deleted <- struct{}{} }); err != nil {
		return err
	}
	if err := t.Delete(ctx, client.DeleteOptions{}); err != nil {
		return err
	}
	if _, err := wait(deleted, "table delete notification"); err != nil {
		return err
	}
	names, err = c.GetHostedTableNames(ctx)
	if err != nil {
		return err
	}
	return expect(!slices.Contains(names, t.Name()), "deleted table %q is still hosted", t.Name())
}

func checkNamedTable(ctx context.Context, c *client.Client) (err error) {
	name := tableName("named")
	t, err := quotes(ctx, c, client.TableInitOptions{Name: name})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)
	if err := expectEqual("name", *name, t.Name()); err != nil {
		return err
	}
	opened, err := c.OpenTable(ctx, *name)
	if err != nil {
		return err
	}
	size, err := opened.Size(ctx)
	if err != nil {
		return err
	}
	if err := expectEqual("reopened size", uint32(3), size); err != nil {
		return err
	}
	_, err = c.Table(ctx, psprpc.FromCSV(quotesCSV), client.TableInitOptions{Name: name})
	return expect(errors.Is(err, client.ErrOptionResponseFailed), "duplicate table name: got %v", err)
}

func checkBadTableOptions(ctx context.Context, c *client.Client) error {
	index, limit := "sym", uint32(2)
	_, err := c.Table(ctx, psprpc.FromCSV(quotesCSV), client.TableInitOptions{Index: &index, Limit: &limit})
	return expect(errors.Is(err, client.ErrBadTableOptions), "index with limit: got %v", err)
}

func checkViewData(ctx context.Context, c *client.Client) (err error) {
	t, err := quotes(ctx, c, client.TableInitOptions{})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)

	sorts := []psprpc.Sort{{Column: "px", Dir: psprpc.SortDesc}}
	v, err := t.View(ctx, &psprpc.ViewConfigUpdate{Sort: &sorts})
	if err != nil {
		return err
	}
	dims, err := v.Dimensions(ctx)
	if err != nil {
		return err
	}
	cols, err := v.ToColumns(ctx, client.ViewWindow{})
	if err != nil {
		return err
	}
	rows, err := v.ToRows(ctx, client.ViewWindow{})
	if err != nil {
		return err
	}
	csv, err := v.ToCSV(ctx, client.ViewWindow{})
	if err != nil {
		return err
	}
	arrowData, err := v.ToArrow(ctx, client.ViewWindow{})
	if err != nil {
		return err
	}
	lo, hi, err := v.GetMinMax(ctx, "px")
	if err != nil {
		return err
	}
	var firstSym any
	if len(rows) > 0 {
		firstSym = rows[0]["sym"]
	}
	return errors.Join(
		expectEqual("dimensions", client.ViewDimensions{NumTableRows: 3, NumTableColumns: 3, NumViewRows: 3, NumViewColumns: 3}, *dims),
		expectEqual("sym column", []any{"mno", "abc", "xyz"}, cols["sym"]),
		expectEqual("qty column", []any{7.0, 3.0, nil}, cols["qty"]),
		expectEqual("first row", "mno", firstSym),
		expectEqual("csv", "sym,qty,px\nmno,7,4\nabc,3,1.5\nxyz,,0.25\n", csv),
		expect(len(arrowData) > 0, "empty arrow output"),
		expectEqual("min", 0.25, lo),
		expectEqual("max", 4.0, hi),
	)
}

func checkViewport(ctx context.Context, c *client.Client) (err error) {
	t, err := quotes(ctx, c, client.TableInitOptions{})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)
	v, err := t.View(ctx, nil)
	if err != nil {
		return err
	}
	start, end, endCol := uint32(1), uint32(2), uint32(2)
	cols, err := v.ToColumns(ctx, client.ViewWindow{Viewport: psprpc.Viewport{StartRow: &start, EndRow: &end, EndCol: &endCol}})
	if err != nil {
		return err
	}
	return expectEqual("window", map[string][]any{"sym": {"xyz"}, "qty": {nil}}, cols)
}

func checkConfigRoundTrip(ctx context.Context, c *client.Client) (err error) {
	t, err := quotes(ctx, c, client.TableInitOptions{})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)

	sorts := []psprpc.Sort{{Column: "qty", Dir: psprpc.SortAsc}}
	filters := []psprpc.Filter{{Column: "px", Op: ">", Term: psprpc.ScalarTerm(psprpc.FloatScalar(1))}}
	sym, px := "sym", "px"
	columns := []*string{&sym, &px}
	update := psprpc.ViewConfigUpdate{Sort: &sorts, Filter: &filters, Columns: &columns}
	v, err := t.View(ctx, &update)
	if err != nil {
		return err
	}
	cfg, err := v.GetConfig(ctx)
	if err != nil {
		return err
	}
	want := psprpc.NewViewConfig()
	want.ApplyUpdate(update)
	n, err := v.NumRows(ctx)
	if err != nil {
		return err
	}
	return errors.Join(
		expect(want.IsEquivalent(cfg), "config: want %+v, got %+v", want, *cfg),
		expectEqual("filtered rows", uint32(2), n),
	)
}

func checkExpressions(ctx context.Context, c *client.Client) (err error) {
	t, err := quotes(ctx, c, client.TableInitOptions{})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)

	result, err := t.ValidateExpressions(ctx, map[string]string{
		"notional": `"qty" * "px"`,
		"broken":   `"qty" +`,
	})
	if err != nil {
		return err
	}
	_, rejected := result.Errors["broken"]
	if err := errors.Join(
		expectEqual("expression schema", map[string]psprpc.ColumnType{"notional": psprpc.TypeFloat}, result.ExpressionSchema),
		expect(rejected, "broken expression was accepted"),
	); err != nil {
		return err
	}

	exprs := map[string]string{"notional": `"qty" * "px"`}
	v, err := t.View(ctx, &psprpc.ViewConfigUpdate{Expressions: &exprs})
	if err != nil {
		return err
	}
	schema, err := v.ExpressionSchema(ctx)
	if err != nil {
		return err
	}
	cols, err := v.ToColumns(ctx, client.ViewWindow{})
	if err != nil {
		return err
	}
	return errors.Join(
		expectEqual("view expression schema", map[string]psprpc.ColumnType{"notional": psprpc.TypeFloat}, schema),
		expectEqual("notional", []any{4.5, nil, 28.0}, cols["notional"]),
	)
}

func checkIndexedUpsert(ctx context.Context, c *client.Client) (err error) {
	index := "sym"
	t, err := quotes(ctx, c, client.TableInitOptions{Index: &index})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)
	if err := t.Update(ctx, psprpc.FromRows(`[{"sym": "abc", "px": 9}, {"sym": "new", "qty": 1}]`), client.UpdateOptions{}); err != nil {
		return err
	}
	size, err := t.Size(ctx)
	if err != nil {
		return err
	}
	v, err := t.View(ctx, nil)
	if err != nil {
		return err
	}
	rows, err := v.ToRows(ctx, client.ViewWindow{Index: true})
	if err != nil {
		return err
	}
	var abc map[string]any
	for _, r := range rows {
		if r["sym"] == "abc" {
			abc = r
		}
	}
	return errors.Join(
		expectEqual("size", uint32(4), size),
		expect(abc != nil, "row abc is missing"),
		expectEqual("updated px", 9.0, abc["px"]),
		expectEqual("kept qty", 3.0, abc["qty"]),
	)
}

func checkLimit(ctx context.Context, c *client.Client) (err error) {
	limit := uint32(2)
	t, err := quotes(ctx, c, client.TableInitOptions{Limit: &limit})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)
	if err := t.Update(ctx, psprpc.FromCSV("sym,qty,px\nlast,1,1\n"), client.UpdateOptions{}); err != nil {
		return err
	}
	size, err := t.Size(ctx)
	if err != nil {
		return err
	}
	return expectEqual("limited size", uint32(2), size)
}

func checkReplaceRemove(ctx context.Context, c *client.Client) (err error) {
	index := "sym"
	t, err := quotes(ctx, c, client.TableInitOptions{Index: &index})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)
	if err := t.Remove(ctx, psprpc.FromRows(`[{"sym": "abc"}]`)); err != nil {
		return err
	}
	size, err := t.Size(ctx)
	if err != nil {
		return err
	}
	if err := expectEqual("size after remove", uint32(2), size); err != nil {
		return err
	}
	if err := t.Replace(ctx, psprpc.FromCSV("sym,qty,px\nonly,1,1\n")); err != nil {
		return err
	}
	size, err = t.Size(ctx)
	if err != nil {
		return err
	}
	return expectEqual("size after replace", uint32(1), size)
}

func checkUpdateSubscription(ctx context.Context, c *client.Client) (err error) {
	t, err := quotes(ctx, c, client.TableInitOptions{})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)
	v, err := t.View(ctx, nil)
	if err != nil {
		return err
	}
	updates := make(chan client.OnUpdateData, 8)
	id, err := v.OnUpdate(ctx, func(d client.OnUpdateData) { updates <- d }, client.OnUpdateOptions{Mode: "row"})
	if err != nil {
		return err
	}
	port, err := t.MakePort(ctx)
	if err != nil {
		return err
	}
	if err := t.Update(ctx, psprpc.FromCSV("sym,qty,px\ndef,1,2\n"), client.UpdateOptions{PortID: port}); err != nil {
		return err
	}
	d, err := wait(updates, "update notification")
	if err != nil {
		return err
	}
	if err := errors.Join(
		expectEqual("port", port, d.PortID),
		expect(len(d.Delta) > 0, "row mode update carried no delta"),
	); err != nil {
		return err
	}
	if err := v.RemoveUpdate(ctx, id); err != nil {
		return err
	}
	if err := t.Update(ctx, psprpc.FromCSV("sym,qty,px\nghi,1,2\n"), client.UpdateOptions{}); err != nil {
		return err
	}
	// A round trip after the update orders any stray push before it.
	if _, err := t.Size(ctx); err != nil {
		return err
	}
	return expect(len(updates) == 0, "update delivered after unsubscribe")
}

func checkHostedTablesSubscription(ctx context.Context, c *client.Client) (err error) {
	var mu sync.Mutex
	var seen []string
	id, err := c.OnHostedTablesUpdate(ctx, func(tables []psprpc.HostedTable) {
		mu.Lock()
		defer mu.Unlock()
		for _, h := range tables {
			seen = append(seen, h.EntityID)
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		if rerr := c.RemoveHostedTablesUpdate(ctx, id); rerr != nil && err == nil {
			err = rerr
		}
	}()
	t, err := quotes(ctx, c, client.TableInitOptions{})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)

	deadline := time.Now().Add(pushTimeout)
	for time.Now().Before(deadline) {
		mu.Lock()
		found := slices.Contains(seen, t.Name())
		mu.Unlock()
		if found {
			return nil
		}
		// HTTP delivers pushes with the next reply.
		if _, err := c.GetHostedTableNames(ctx); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("no hosted tables notification listed %q", t.Name())
}

func checkDeleteRequiresForce(ctx context.Context, c *client.Client) (err error) {
	t, err := quotes(ctx, c, client.TableInitOptions{})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)
	if _, err := t.View(ctx, nil); err != nil {
		return err
	}
	derr := t.Delete(ctx, client.DeleteOptions{})
	return expect(derr != nil, "table with a view was deleted without force")
}

func checkUnknownView(ctx context.Context, c *client.Client) (err error) {
	t, err := quotes(ctx, c, client.TableInitOptions{})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)
	v, err := t.View(ctx, nil)
	if err != nil {
		return err
	}
	if err := v.Delete(ctx); err != nil {
		return err
	}
	_, err = v.Schema(ctx)
	var ce *client.ClientError
	if !errors.As(err, &ce) {
		return fmt.Errorf("schema of a deleted view: got %v", err)
	}
	se, ok := ce.ServerError()
	if !ok {
		return fmt.Errorf("schema of a deleted view: no server error in %v", err)
	}
	return expectEqual("error kind", "unknown_view_id", se.ErrorKind)
}

// checkTreeNavigation needs group_by; flat engines only have SetDepth
// recorded in the view config.
func checkTreeNavigation(ctx context.Context, c *client.Client) (err error) {
	t, err := quotes(ctx, c, client.TableInitOptions{})
	if err != nil {
		return err
	}
	defer dispose(ctx, t, &err)
	f, err := c.Features()
	if err != nil {
		return err
	}
	var update *psprpc.ViewConfigUpdate
	if f.GroupBy {
		groupBy := []string{"sym"}
		update = &psprpc.ViewConfigUpdate{GroupBy: &groupBy}
	}
	v, err := t.View(ctx, update)
	if err != nil {
		return err
	}
	if err := v.SetDepth(ctx, 1); err != nil {
		return err
	}
	cfg, err := v.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := expect(cfg.GroupByDepth != nil && *cfg.GroupByDepth == 1, "depth was not recorded"); err != nil {
		return err
	}
	if f.GroupBy {
		_, err = v.Collapse(ctx, 0)
		return err
	}
	_, err = v.Collapse(ctx, 0)
	return expect(errors.Is(err, client.ErrOptionResponseFailed), "collapse on a flat view: got %v", err)
}
