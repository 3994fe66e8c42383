package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/hazyhaar/formsafe/field"
)

// DefaultEvictRatio is the share of capacity usage is brought back under.
const DefaultEvictRatio = 0.90

// EvictResult reports one eviction run.
type EvictResult struct {
	Before  int64
	After   int64
	Target  int64
	Deleted []field.PageKey
}

// Evict deletes page records oldest UpdatedAt first while the bytes in use
// exceed ratio*capacity, saving after each deletion. It does nothing when
// the capacity is unknown. Other writers of pages wait for the whole run.
func Evict(ctx context.Context, pages *Pages, ratio float64) (EvictResult, error) {
	var res EvictResult
	capBytes, ok := pages.gw.Capacity()
	if !ok {
		return res, nil
	}
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultEvictRatio
	}
	res.Target = int64(float64(capBytes) * ratio)

	pages.writeMu.Lock()
	defer pages.writeMu.Unlock()
	used, err := pages.gw.BytesInUse(ctx)
	if err != nil {
		return res, fmt.Errorf("store: evict: %w", err)
	}
	res.Before, res.After = used, used
	if used <= res.Target {
		return res, nil
	}

	m, err := pages.Load(ctx)
	if err != nil {
		return res, fmt.Errorf("store: evict: %w", err)
	}
	order := make([]field.PageKey, 0, len(m))
	for pk := range m {
		order = append(order, pk)
	}
	slices.SortFunc(order, func(a, b field.PageKey) int {
		if c := m[a].UpdatedAt.Compare(m[b].UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	for _, pk := range order {
		if res.After <= res.Target {
			break
		}
		delete(m, pk)
		if err := pages.save(ctx, m); err != nil {
			return res, fmt.Errorf("store: evict: %w", err)
		}
		res.Deleted = append(res.Deleted, pk)
		if res.After, err = pages.gw.BytesInUse(ctx); err != nil {
			return res, fmt.Errorf("store: evict: %w", err)
		}
	}

	pages.logger.Info("store: evicted pages",
		"deleted", len(res.Deleted), "before", res.Before, "after", res.After, "target", res.Target)
	return res, nil
}
