package chainsource

import "context"

// searchUint64 finds the smallest n in [0, hi] for which f(n) is true,
// given that f is false below the answer and true at or above it
// (f(-1) == false, f(hi) == true by convention). Adapted from the
// teacher's pkg/core/database/utils.Search, generalized to propagate
// errors from f instead of assuming it cannot fail.
func searchUint64(hi uint64, f func(uint64) (bool, error)) (uint64, error) {
	var i uint64
	j := hi
	for i < j {
		h := i + (j-i)/2
		res, err := f(h)
		if err != nil {
			return 0, err
		}
		if !res {
			i = h + 1
		} else {
			j = h
		}
	}
	return i, nil
}

// IndexedTip returns the highest block height at or below reportedTip
// that the chainsource actually serves block data for. Some chain APIs
// advertise a tip height in /api/blockchain/info slightly ahead of
// what their block-by-height endpoint has indexed; binary-searching
// for the boundary avoids the block loop spinning on 404s for heights
// that will show up a moment later.
func (c *Client) IndexedTip(ctx context.Context, reportedTip int) (int, error) {
	if reportedTip <= 0 {
		return reportedTip, nil
	}

	firstMissing, err := searchUint64(uint64(reportedTip)+1, func(h uint64) (bool, error) {
		if h == 0 {
			return false, nil
		}
		_, found, err := c.Block(ctx, int(h))
		if err != nil {
			return false, err
		}
		return !found, nil
	})
	if err != nil {
		return 0, err
	}
	if firstMissing == 0 {
		return 0, nil
	}
	return int(firstMissing - 1), nil
}
