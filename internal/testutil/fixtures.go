package testutil

import (
	"time"

	"github.com/relaymesh/relaymesh/pkg/assets"
)

// NewAsset returns an Asset with sensible defaults, suitable for test
// fixtures. Override individual fields after creation as needed.
func NewAsset(opts ...func(*assets.Asset)) assets.Asset {
	a := assets.Asset{
		ID:        assets.NewID(),
		Name:      "test-asset",
		Type:      assets.TypeRoom,
		Realm:     "acme",
		CreatedAt: time.Now().UTC(),
		Version:   1,
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// WithParent sets the asset's parent id.
func WithParent(parentID string) func(*assets.Asset) {
	return func(a *assets.Asset) { a.ParentID = parentID }
}

// WithRealm sets the asset's realm.
func WithRealm(realm string) func(*assets.Asset) {
	return func(a *assets.Asset) { a.Realm = realm }
}

// WithType sets the asset's type.
func WithType(t assets.Type) func(*assets.Asset) {
	return func(a *assets.Asset) { a.Type = t }
}

// WithAttribute attaches a single attribute to the asset.
func WithAttribute(name string, valueType assets.ValueType, value any) func(*assets.Asset) {
	return func(a *assets.Asset) {
		if a.Attributes == nil {
			a.Attributes = make(map[string]assets.Attribute)
		}
		a.Attributes[name] = assets.Attribute{
			Name:      name,
			ValueType: valueType,
			Value:     value,
			Timestamp: time.Now().UTC(),
		}
	}
}

// NewAttributeEvent returns an AttributeEvent with sensible defaults.
func NewAttributeEvent(assetID, attrName string, value any, opts ...func(*assets.AttributeEvent)) assets.AttributeEvent {
	e := assets.AttributeEvent{
		Ref:       assets.AttributeRef{AssetID: assetID, AttributeName: attrName},
		Value:     value,
		Timestamp: time.Now().UTC(),
		Source:    assets.SourceSensor,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// WithSource sets the attribute event's source.
func WithSource(s assets.Source) func(*assets.AttributeEvent) {
	return func(e *assets.AttributeEvent) { e.Source = s }
}
