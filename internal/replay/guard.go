package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/metrics"
	"github.com/a1hang/slack-issue-agent/internal/models"
)

// Guard rejects exact replays of an already-accepted signed request. The
// verifier's freshness window bounds how long a replay can be attempted, so
// keys live for that long.
type Guard struct {
	store  Store
	window time.Duration
	logger *logging.Logger
}

func NewGuard(store Store, window time.Duration, logger *logging.Logger) *Guard {
	if store == nil {
		store = NopStore{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Guard{store: store, window: window, logger: logger}
}

// Check returns DuplicateRequest if signature has been accepted within the
// window. Store failures are logged and let the request through: the
// request has already passed freshness and HMAC checks.
func (g *Guard) Check(ctx context.Context, signature string) error {
	if g == nil {
		return nil
	}
	seen, err := g.store.SeenOrMark(ctx, "sig:"+fingerprint(signature), g.window)
	if err != nil {
		g.logger.WarnContext(ctx, "replay store unavailable, skipping signature dedupe", logging.Error(err))
		return nil
	}
	if seen {
		metrics.Duplicates.WithLabelValues("signature").Inc()
		return models.Errorf(models.KindDuplicateRequest, "signature already accepted within %s", g.window)
	}
	return nil
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
