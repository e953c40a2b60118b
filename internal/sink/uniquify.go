package sink

import (
	"context"
	"fmt"
)

const maxUniquifyAttempts = 1000

// Uniquify returns p, or the first "name (n).ext" variant of p that exists
// reports as free.
func Uniquify(ctx context.Context, p string, exists func(context.Context, string) (bool, error)) (string, error) {
	candidate := p
	for n := 1; n <= maxUniquifyAttempts; n++ {
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = AddSuffix(p, fmt.Sprintf(" (%d)", n))
	}
	return "", fmt.Errorf("%w: %s", ErrTooManyNames, p)
}
