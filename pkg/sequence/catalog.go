package sequence

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/store"
)

type Publisher interface {
	Publish(ctx context.Context, channel string, event eventbus.Event) error
}

// Catalog owns sequence definitions. Every mutation is a compare-and-swap on the version
// column and bumps it by one.
type Catalog struct {
	store  store.SequenceStore
	cache  *Cache
	bus    Publisher
	parser *Parser
	logger *zap.Logger
}

func NewCatalog(st store.SequenceStore, cache *Cache, bus Publisher, logger *zap.Logger) *Catalog {
	if cache == nil {
		cache = NewCache(nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		store:  st,
		cache:  cache,
		bus:    bus,
		parser: NewParser(),
		logger: logger.Named("catalog"),
	}
}

func (c *Catalog) Create(ctx context.Context, def Definition) (*model.Sequence, error) {
	seq, err := c.parser.Parse(def)
	if err != nil {
		return nil, err
	}
	if err := c.store.Create(ctx, seq); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Conflict("slug %s already in use", seq.Slug)
		}
		return nil, store.Wrap("create sequence", err)
	}

	c.logger.Info("sequence created",
		zap.String("sequence_id", seq.ID.String()),
		zap.String("slug", seq.Slug),
		zap.Int("items", len(seq.Items)))
	return seq, nil
}

// Get returns the cached definition. The result is shared and must not be modified.
func (c *Catalog) Get(ctx context.Context, id uuid.UUID) (*model.Sequence, error) {
	return c.cache.Get(ctx, id, c.load)
}

func (c *Catalog) GetBySlug(ctx context.Context, slug string) (*model.Sequence, error) {
	seq, err := c.store.GetBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		return nil, store.Wrap("sequence "+slug, err)
	}
	return seq, nil
}

func (c *Catalog) load(ctx context.Context, id uuid.UUID) (*model.Sequence, error) {
	seq, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, store.Wrap("sequence "+id.String(), err)
	}
	return seq, nil
}

// UpdateItems replaces the item list. Orders must already form 0..N-1 and prerequisites
// must precede their dependents; edits that break either are rejected as Conflict.
func (c *Catalog) UpdateItems(ctx context.Context, id uuid.UUID, expectedVersion int, items model.SequenceItems) (*model.Sequence, error) {
	return c.mutate(ctx, id, expectedVersion, func(seq *model.Sequence) error {
		if err := CheckContiguous(items); err != nil {
			return apperr.Conflict("%s", err.Error())
		}
		orderByID := make(map[uuid.UUID]int, len(items))
		for _, item := range items {
			orderByID[item.ID] = item.Order
		}
		for _, item := range items {
			if err := checkPrerequisites(item, orderByID); err != nil {
				return apperr.Conflict("%s", err.Error())
			}
		}
		seq.Items = append(model.SequenceItems(nil), items...)
		return nil
	})
}

// Reindex assigns order i to orderedIDs[i]. The ids must be exactly the sequence's items.
func (c *Catalog) Reindex(ctx context.Context, id uuid.UUID, expectedVersion int, orderedIDs []uuid.UUID) (*model.Sequence, error) {
	return c.mutate(ctx, id, expectedVersion, func(seq *model.Sequence) error {
		if len(orderedIDs) != len(seq.Items) {
			return apperr.Invalid("reindex needs all %d item ids, got %d", len(seq.Items), len(orderedIDs))
		}
		byID := make(map[uuid.UUID]model.SequenceItem, len(seq.Items))
		for _, item := range seq.Items {
			byID[item.ID] = item
		}

		reordered := make(model.SequenceItems, 0, len(orderedIDs))
		orderByID := make(map[uuid.UUID]int, len(orderedIDs))
		for order, itemID := range orderedIDs {
			item, ok := byID[itemID]
			if !ok {
				return apperr.Invalid("item %s is not part of the sequence", itemID)
			}
			if _, dup := orderByID[itemID]; dup {
				return apperr.Invalid("item %s listed twice", itemID)
			}
			item.Order = order
			orderByID[itemID] = order
			reordered = append(reordered, item)
		}
		for _, item := range reordered {
			if err := checkPrerequisites(item, orderByID); err != nil {
				return apperr.Conflict("%s", err.Error())
			}
		}
		seq.Items = reordered
		return nil
	})
}

var statusTransitions = map[model.SequenceStatus][]model.SequenceStatus{
	model.SequenceDraft:     {model.SequencePublished, model.SequenceArchived},
	model.SequencePublished: {model.SequencePaused, model.SequenceArchived},
	model.SequencePaused:    {model.SequencePublished, model.SequenceArchived},
}

func (c *Catalog) SetStatus(ctx context.Context, id uuid.UUID, expectedVersion int, status model.SequenceStatus) (*model.Sequence, error) {
	return c.mutate(ctx, id, expectedVersion, func(seq *model.Sequence) error {
		for _, allowed := range statusTransitions[seq.Status] {
			if allowed == status {
				seq.Status = status
				return nil
			}
		}
		return apperr.Conflict("sequence cannot move from %s to %s", seq.Status, status)
	})
}

func (c *Catalog) UpdateSettings(ctx context.Context, id uuid.UUID, expectedVersion int, mode model.DeliveryMode, timezone string, exit model.ExitConditions) (*model.Sequence, error) {
	return c.mutate(ctx, id, expectedVersion, func(seq *model.Sequence) error {
		if mode != "" {
			seq.DeliveryMode = mode
		}
		if timezone != "" {
			seq.Timezone = timezone
		}
		seq.ExitConditions = exit
		return nil
	})
}

func (c *Catalog) mutate(ctx context.Context, id uuid.UUID, expectedVersion int, fn func(seq *model.Sequence) error) (*model.Sequence, error) {
	seq, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if seq.Version != expectedVersion {
		return nil, apperr.Conflict("sequence %s is at version %d, not %d", id, seq.Version, expectedVersion)
	}
	if seq.Status == model.SequenceArchived {
		return nil, apperr.Conflict("sequence %s is archived", id)
	}

	if err := fn(seq); err != nil {
		return nil, err
	}
	if err := Validate(seq); err != nil {
		return nil, err
	}

	seq.Version = expectedVersion + 1
	if err := c.store.Update(ctx, seq, expectedVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, apperr.Conflict("sequence %s was modified concurrently", id)
		}
		return nil, store.Wrap("update sequence", err)
	}

	c.cache.Invalidate(ctx, id, true)
	c.announce(ctx, seq)
	c.logger.Info("sequence updated",
		zap.String("sequence_id", id.String()),
		zap.Int("version", seq.Version),
		zap.String("status", string(seq.Status)))
	return seq, nil
}

func (c *Catalog) announce(ctx context.Context, seq *model.Sequence) {
	if c.bus == nil {
		return
	}
	event, err := eventbus.NewEvent(eventbus.TypeSequenceChanged, eventbus.SequenceEvent{
		SequenceID: seq.ID.String(),
		Version:    seq.Version,
	})
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, eventbus.ChannelSequence, event); err != nil {
		c.logger.Warn("failed to announce sequence change", zap.String("sequence_id", seq.ID.String()), zap.Error(err))
	}
}
