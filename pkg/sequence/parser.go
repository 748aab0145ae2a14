package sequence

import (
	"strings"

	"github.com/google/uuid"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/model"
)

// Definition is the authoring format of a sequence. Items reference their prerequisites by key.
type Definition struct {
	Name           string               `json:"name" binding:"required"`
	Slug           string               `json:"slug" binding:"required"`
	Kind           model.SequenceKind   `json:"kind"`
	DeliveryMode   model.DeliveryMode   `json:"delivery_mode" binding:"required"`
	Timezone       string               `json:"timezone"`
	ExitConditions model.ExitConditions `json:"exit_conditions"`
	Items          []ItemDefinition     `json:"items" binding:"required"`
}

type ItemDefinition struct {
	Key            string               `json:"key"`
	Title          string               `json:"title"`
	Unlock         model.UnlockRule     `json:"unlock"`
	Requires       []string             `json:"requires"`
	Conditions     model.ItemConditions `json:"conditions"`
	NotifyTemplate string               `json:"notify_template"`
}

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse assigns ids and contiguous orders in list position and resolves `requires` keys.
// A key may only reference an item that appears earlier in the list.
func (p *Parser) Parse(def Definition) (*model.Sequence, error) {
	if len(def.Items) == 0 {
		return nil, apperr.Invalid("sequence has no items")
	}

	seq := &model.Sequence{
		ID:             uuid.New(),
		Name:           strings.TrimSpace(def.Name),
		Slug:           strings.TrimSpace(def.Slug),
		Kind:           def.Kind,
		Status:         model.SequenceDraft,
		DeliveryMode:   def.DeliveryMode,
		Timezone:       def.Timezone,
		ExitConditions: def.ExitConditions,
		Version:        1,
	}
	if seq.Kind == "" {
		seq.Kind = model.KindFunnel
	}
	if seq.Timezone == "" {
		seq.Timezone = "UTC"
	}

	idByKey := make(map[string]uuid.UUID, len(def.Items))
	items := make(model.SequenceItems, 0, len(def.Items))

	for order, itemDef := range def.Items {
		key := strings.TrimSpace(itemDef.Key)
		if key == "" {
			return nil, apperr.Invalid("item %d missing key", order)
		}
		if _, dup := idByKey[key]; dup {
			return nil, apperr.Invalid("duplicate item key %s", key)
		}

		required := make([]uuid.UUID, 0, len(itemDef.Requires))
		for _, depKey := range itemDef.Requires {
			depID, ok := idByKey[depKey]
			if !ok {
				return nil, apperr.Invalid("item %s requires %s which is not a prior item", key, depKey)
			}
			required = append(required, depID)
		}

		rule := itemDef.Unlock
		if rule.Type == "" {
			rule.Type = model.UnlockImmediate
		}

		item := model.SequenceItem{
			ID:                 uuid.New(),
			Key:                key,
			Title:              itemDef.Title,
			Order:              order,
			UnlockRule:         rule,
			RequiredPriorItems: required,
			Conditions:         itemDef.Conditions,
			NotifyTemplate:     itemDef.NotifyTemplate,
		}
		idByKey[key] = item.ID
		items = append(items, item)
	}

	seq.Items = items
	if err := Validate(seq); err != nil {
		return nil, err
	}
	return seq, nil
}
