package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dm/truenas-sync/internal/client"
	"github.com/dm/truenas-sync/internal/model"
)

// PartialCollectionError reports a best-effort collection that could not be
// fetched or decoded. The collection is present in the snapshot but empty.
type PartialCollectionError struct {
	Collection string
	Err        error
}

func (e *PartialCollectionError) Error() string {
	return fmt.Sprintf("collection %s degraded: %v", e.Collection, e.Err)
}

func (e *PartialCollectionError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a successful FetchAll.
type Result struct {
	Snapshot *model.Snapshot
	Partial  []*PartialCollectionError
}

type fetched struct {
	raw json.RawMessage
	err error
}

// FetchAll calls every collection concurrently and assembles a snapshot with
// live attached. If any required collection fails, FetchAll returns the first
// error. Best-effort failures are non-fatal: the collection is stored as an
// empty list and reported in Result.Partial and Snapshot.Degraded.
func FetchAll(ctx context.Context, c client.Client, cols []Collection, derived []Derived, live *model.LiveState) (*Result, error) {
	results := make([]fetched, len(cols))

	g, gctx := errgroup.WithContext(ctx)

	// Best-effort calls run outside the errgroup so a slow telemetry call does
	// not delay the required ones, and use the parent ctx so they are not
	// cancelled when the group finishes. The buffered channels prevent a
	// goroutine leak regardless of whether the result is consumed.
	optional := make(map[int]chan fetched)

	for i, col := range cols {
		if col.Required {
			g.Go(func() error {
				raw, err := c.Call(gctx, col.Method, col.Params...)
				if err != nil {
					return fmt.Errorf("FetchAll: %s: %w", col.Name, err)
				}
				results[i] = fetched{raw: raw}
				return nil
			})
			continue
		}

		ch := make(chan fetched, 1)
		optional[i] = ch
		go func() {
			raw, err := c.Call(ctx, col.Method, col.Params...)
			ch <- fetched{raw: raw, err: err}
		}()
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, ch := range optional {
		select {
		case results[i] = <-ch:
		case <-ctx.Done():
			results[i] = fetched{err: ctx.Err()}
		}
	}

	return assemble(cols, derived, results, live)
}

func assemble(cols []Collection, derived []Derived, results []fetched, live *model.LiveState) (*Result, error) {
	snap := model.NewSnapshot(time.Now(), live)
	res := &Result{Snapshot: snap}

	apply := func(i int) error {
		col := cols[i]
		r := results[i]
		if r.err != nil {
			return r.err
		}
		transform := col.Transform
		if transform == nil {
			transform = func(raw json.RawMessage, _ *model.Snapshot) (any, error) {
				return decodeGeneric(raw)
			}
		}
		v, err := transform(r.raw, snap)
		if err != nil {
			return fmt.Errorf("decode %s result: %w", col.Method, err)
		}
		snap.Set(col.Name, v)
		return nil
	}

	for i, col := range cols {
		if !col.Required {
			continue
		}
		if err := apply(i); err != nil {
			return nil, fmt.Errorf("FetchAll: %s: %w", col.Name, err)
		}
	}

	for i, col := range cols {
		if col.Required {
			continue
		}
		if err := apply(i); err != nil {
			snap.Set(col.Name, []any{})
			snap.Degraded = append(snap.Degraded, col.Name)
			res.Partial = append(res.Partial, &PartialCollectionError{Collection: col.Name, Err: err})
		}
	}

	for _, d := range derived {
		snap.Set(d.Name, d.Compute(snap))
	}
	return res, nil
}
