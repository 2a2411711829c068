//go:build !gcp

package evidence

import (
	"context"
	"fmt"
)

func newGCSSinkFromEnv(ctx context.Context) (Sink, error) {
	return nil, fmt.Errorf("evidence: the gcs sink is not enabled in this build (use -tags gcp)")
}
