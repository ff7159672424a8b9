package buffer

import (
	"context"
	"time"
)

// Collect waits for one item, then keeps reading until size items are held or
// timeout has passed since the first one arrived.
func Collect[T any](ctx context.Context, q *Queue[T], size int, timeout time.Duration) ([]T, error) {
	first, err := q.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if size <= 1 {
		return []T{first}, nil
	}

	batch := make([]T, 1, size)
	batch[0] = first
	if timeout <= 0 {
		for len(batch) < size {
			v, ok := q.TryPop()
			if !ok {
				break
			}
			batch = append(batch, v)
		}
		return batch, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for len(batch) < size {
		select {
		case v := <-q.C():
			batch = append(batch, v)
		case <-timer.C:
			return batch, nil
		case <-q.Done():
			for len(batch) < size {
				v, ok := q.TryPop()
				if !ok {
					break
				}
				batch = append(batch, v)
			}
			return batch, nil
		case <-ctx.Done():
			return batch, nil
		}
	}
	return batch, nil
}
