package engine

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Item maps one internal attribute onto one resource-native attribute.
type Item struct {
	// IntAttrName is the internal attribute name.
	IntAttrName string `json:"int_attr_name" validate:"required"`

	// ExtAttrName is the resource-native attribute name.
	ExtAttrName string `json:"ext_attr_name" validate:"required"`

	// ConnObjectKey marks the attribute addressing the object on the resource.
	ConnObjectKey bool `json:"conn_object_key,omitempty"`

	// MandatoryCondition is a boolean expression evaluated against the identity.
	// Empty means "false".
	MandatoryCondition string `json:"mandatory_condition,omitempty"`

	// Purpose selects the directions the item applies to.
	Purpose MappingPurpose `json:"purpose" validate:"required"`

	// PropagationTransformer rewrites the value before propagation.
	PropagationTransformer string `json:"propagation_transformer,omitempty"`

	// PullTransformer rewrites the value after pull.
	PullTransformer string `json:"pull_transformer,omitempty"`
}

// Mapping is the immutable, ordered item set of one provision.
type Mapping struct {
	items []Item
	key   int
}

// Items returns a copy of the items in declaration order.
func (m Mapping) Items() []Item {
	out := make([]Item, len(m.items))
	copy(out, m.items)
	return out
}

// Len returns the number of items.
func (m Mapping) Len() int {
	return len(m.items)
}

// ConnObjectKeyItem returns the item addressing objects on the resource.
func (m Mapping) ConnObjectKeyItem() (Item, bool) {
	if len(m.items) == 0 {
		return Item{}, false
	}
	return m.items[m.key], true
}

// MappingBuilder accumulates items and validates them on Build.
type MappingBuilder struct {
	items []Item
}

// NewMappingBuilder creates an empty builder.
func NewMappingBuilder() *MappingBuilder {
	return &MappingBuilder{}
}

// Add appends an item. An empty purpose means BOTH.
func (b *MappingBuilder) Add(item Item) *MappingBuilder {
	if item.Purpose == "" {
		item.Purpose = PurposeBoth
	}
	b.items = append(b.items, item)
	return b
}

// Key appends the connObjectKey item mapping intAttr to extAttr in both directions.
func (b *MappingBuilder) Key(intAttr, extAttr string) *MappingBuilder {
	return b.Add(Item{IntAttrName: intAttr, ExtAttrName: extAttr, ConnObjectKey: true, Purpose: PurposeBoth})
}

// Attr appends a plain item mapping intAttr to extAttr in both directions.
func (b *MappingBuilder) Attr(intAttr, extAttr string) *MappingBuilder {
	return b.Add(Item{IntAttrName: intAttr, ExtAttrName: extAttr, Purpose: PurposeBoth})
}

// Build validates the items and returns the mapping.
// Exactly one item must be the connObjectKey.
func (b *MappingBuilder) Build() (Mapping, error) {
	if len(b.items) == 0 {
		return Mapping{}, NewConfigurationError("mapping has no items", nil)
	}

	keyIdx := -1
	ext := make(map[string]int, len(b.items))
	for i, item := range b.items {
		if err := validate.Struct(item); err != nil {
			return Mapping{}, NewConfigurationError(fmt.Sprintf("mapping item %d is invalid", i), err)
		}
		if err := item.Purpose.Validate(); err != nil {
			return Mapping{}, NewConfigurationError(fmt.Sprintf("mapping item %d is invalid", i), err)
		}
		if item.ConnObjectKey {
			if keyIdx >= 0 {
				return Mapping{}, NewConfigurationError(
					fmt.Sprintf("more than one connObjectKey item (%s, %s)",
						b.items[keyIdx].ExtAttrName, item.ExtAttrName), nil)
			}
			if item.Purpose == PurposeNone {
				return Mapping{}, NewConfigurationError("connObjectKey item cannot have purpose NONE", nil)
			}
			keyIdx = i
		}
		if item.Purpose.ForPropagation() {
			name := strings.ToLower(item.ExtAttrName)
			if prev, dup := ext[name]; dup {
				return Mapping{}, NewConfigurationError(
					fmt.Sprintf("items %d and %d both propagate %s", prev, i, item.ExtAttrName), nil)
			}
			ext[name] = i
		}
	}
	if keyIdx < 0 {
		return Mapping{}, NewConfigurationError("mapping has no connObjectKey item", nil)
	}

	items := make([]Item, len(b.items))
	copy(items, b.items)
	return Mapping{items: items, key: keyIdx}, nil
}
