package sequence

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/model"
)

// RemoteCache is a shared second-level cache. GetSequence returns nil, nil on a miss.
type RemoteCache interface {
	GetSequence(ctx context.Context, id uuid.UUID) (*model.Sequence, error)
	SetSequence(ctx context.Context, seq *model.Sequence) error
	DeleteSequence(ctx context.Context, id uuid.UUID) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) <-chan *eventbus.Event
}

type loadFunc func(ctx context.Context, id uuid.UUID) (*model.Sequence, error)

// Cache holds read-mostly sequence definitions. Returned sequences are shared between
// callers and must be treated as read-only.
//
// Every Invalidate bumps the id's generation; a load that began under an older generation
// returns its result to its own callers but never caches it.
type Cache struct {
	mu     sync.RWMutex
	local  map[uuid.UUID]*model.Sequence
	gen    map[uuid.UUID]uint64
	remote RemoteCache
	group  singleflight.Group
	logger *zap.Logger
}

func NewCache(remote RemoteCache, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		local:  make(map[uuid.UUID]*model.Sequence),
		gen:    make(map[uuid.UUID]uint64),
		remote: remote,
		logger: logger,
	}
}

func (c *Cache) Get(ctx context.Context, id uuid.UUID, load loadFunc) (*model.Sequence, error) {
	c.mu.RLock()
	seq, ok := c.local[id]
	c.mu.RUnlock()
	if ok {
		return seq, nil
	}

	v, err, _ := c.group.Do(id.String(), func() (interface{}, error) {
		c.mu.RLock()
		gen := c.gen[id]
		c.mu.RUnlock()

		if c.remote != nil {
			cached, err := c.remote.GetSequence(ctx, id)
			if err != nil {
				c.logger.Warn("remote sequence cache read failed", zap.String("sequence_id", id.String()), zap.Error(err))
			} else if cached != nil {
				c.store(cached, gen)
				return cached, nil
			}
		}

		loaded, err := load(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.store(loaded, gen) && c.remote != nil {
			if err := c.remote.SetSequence(ctx, loaded); err != nil {
				c.logger.Warn("remote sequence cache write failed", zap.String("sequence_id", id.String()), zap.Error(err))
			}
		}
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Sequence), nil
}

// store caches seq if no invalidation happened since generation gen was read.
func (c *Cache) store(seq *model.Sequence, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[seq.ID] != gen {
		return false
	}
	if existing, ok := c.local[seq.ID]; ok && existing.Version > seq.Version {
		return false
	}
	c.local[seq.ID] = seq
	return true
}

// Invalidate drops the local copy and, when remote is true, the shared copy. Loads already
// in flight are detached so later callers read the new definition.
func (c *Cache) Invalidate(ctx context.Context, id uuid.UUID, remote bool) {
	c.mu.Lock()
	delete(c.local, id)
	c.gen[id]++
	c.mu.Unlock()
	c.group.Forget(id.String())

	if remote && c.remote != nil {
		if err := c.remote.DeleteSequence(ctx, id); err != nil {
			c.logger.Warn("remote sequence cache delete failed", zap.String("sequence_id", id.String()), zap.Error(err))
		}
	}
}

// Watch drops local copies announced as changed by other processes until ctx is done.
func (c *Cache) Watch(ctx context.Context, sub Subscriber) {
	events := sub.Subscribe(ctx, eventbus.ChannelSequence)
	for event := range events {
		if event.Type != eventbus.TypeSequenceChanged {
			continue
		}
		var changed eventbus.SequenceEvent
		if err := json.Unmarshal(event.Data, &changed); err != nil {
			c.logger.Warn("malformed sequence event", zap.Error(err))
			continue
		}
		id, err := uuid.Parse(changed.SequenceID)
		if err != nil {
			continue
		}
		c.Invalidate(ctx, id, false)
	}
}
