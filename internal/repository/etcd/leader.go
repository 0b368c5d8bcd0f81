package etcd

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

// Leader is a participant in a named election.
type Leader struct {
	election *concurrency.Election
	client   *Client
	name     string
	isLeader atomic.Bool
}

// CampaignForLeader campaigns for leadership of name in the background.
// The campaign ends when ctx is cancelled or the session is lost.
func (c *Client) CampaignForLeader(ctx context.Context, name, value string, callback LeaderCallback) *Leader {
	leader := &Leader{
		election: concurrency.NewElection(c.session, "/circle/leaders/"+name),
		client:   c,
		name:     name,
	}
	go leader.run(ctx, value, callback)
	return leader
}

func (l *Leader) run(ctx context.Context, value string, callback LeaderCallback) {
	logger := l.client.logger.With(zap.String("election", l.name))
	for {
		if err := l.election.Campaign(ctx, value); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Leader campaign failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		l.isLeader.Store(true)
		logger.Info("Became leader")
		if callback != nil {
			callback(true)
		}

		select {
		case <-ctx.Done():
		case <-l.client.session.Done():
			logger.Warn("Lost leadership: session expired")
		}
		l.isLeader.Store(false)
		if callback != nil {
			callback(false)
		}
		return
	}
}

// IsLeader reports whether this participant currently leads.
func (l *Leader) IsLeader() bool {
	return l.isLeader.Load()
}

// Resign gives up leadership.
func (l *Leader) Resign(ctx context.Context) error {
	if !l.isLeader.Load() {
		return nil
	}
	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}
	l.isLeader.Store(false)
	l.client.logger.Info("Resigned from leadership", zap.String("election", l.name))
	return nil
}
