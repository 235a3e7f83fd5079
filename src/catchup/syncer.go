package catchup

import (
	"context"
	"sync"
	"time"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/net"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNoSyncResponse is returned when no peer answered a sync request.
var ErrNoSyncResponse = errors.New("no peer answered the sync request")

// Syncer requests blocks from the peers of the local committee.
type Syncer struct {
	transport net.Transport
	self      chain.PublicKey
	timeout   time.Duration
	logger    *logrus.Entry
}

// NewSyncer ...
func NewSyncer(transport net.Transport, self chain.PublicKey, timeout time.Duration, logger *logrus.Entry) *Syncer {
	return &Syncer{
		transport: transport,
		self:      self,
		timeout:   timeout,
		logger:    logger.WithField("prefix", "syncer"),
	}
}

// Sync sends the request to every target and returns the response reaching
// the highest block. Failing peers are skipped.
func (s *Syncer) Sync(ctx context.Context, targets []string, epoch chain.Epoch, highQC *chain.QuorumCertificate) (*net.SyncResponse, error) {
	req := &net.Envelope{
		From:        s.self,
		SyncRequest: &net.SyncRequest{Epoch: epoch, HighQC: highQC},
	}

	var (
		mu   sync.Mutex
		best *net.SyncResponse
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			resp, err := s.transport.Request(target, req, s.timeout)
			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"target": target,
					"error":  err,
				}).Debug("Sync request failed")
				return nil
			}
			if resp.SyncResponse == nil {
				s.logger.WithField("target", target).Debug("Unexpected sync response")
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if best == nil || Reach(resp.SyncResponse) > Reach(best) {
				best = resp.SyncResponse
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if best == nil {
		return nil, ErrNoSyncResponse
	}
	return best, nil
}

// Reach returns the height of the highest block of a response.
func Reach(resp *net.SyncResponse) chain.NodeHeight {
	if len(resp.Blocks) == 0 {
		return 0
	}
	return resp.Blocks[len(resp.Blocks)-1].Block.Height()
}
