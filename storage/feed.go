package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Feed carries task change notifications over a Redis pub/sub channel so
// every instance observes writes made by any other.
type Feed struct {
	rc      *redis.Client
	channel string
	backoff time.Duration
}

// NewFeed creates a Feed publishing to and subscribing on channel.
func NewFeed(rc *redis.Client, channel string) *Feed {
	return &Feed{rc: rc, channel: channel, backoff: time.Second}
}

// Publish announces a change.
func (f *Feed) Publish(ctx context.Context, c domain.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return f.rc.Publish(ctx, f.channel, data).Err()
}

// Watch listens for changes and hands each one to fn until ctx is done. A
// dropped subscription is re-established after a short pause.
func (f *Feed) Watch(ctx context.Context, fn func(domain.Change)) error {
	for {
		sub := f.rc.Subscribe(ctx, f.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).WithField("channel", f.channel).Error("subscribe failed, retrying")
			if !sleepCtx(ctx, f.backoff) {
				return nil
			}
			continue
		}
		f.drain(ctx, sub.Channel(), fn)
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.WithField("channel", f.channel).Error("pubsub channel closed, reconnecting")
		if !sleepCtx(ctx, f.backoff) {
			return nil
		}
	}
}

func (f *Feed) drain(ctx context.Context, ch <-chan *redis.Message, fn func(domain.Change)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var c domain.Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.WithError(err).Error("unable to parse change")
				continue
			}
			fn(c)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
