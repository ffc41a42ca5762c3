// Package assets defines the core data model shared by the manager and the
// gateway: assets, attributes, and the events that carry their changes.
package assets

import (
	"crypto/rand"
	"fmt"
	"time"
)

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// IDLength is the fixed length of an asset or attribute id.
const IDLength = 22

// NewID returns a new high-entropy, fixed-length, URL-safe identifier.
func NewID() string {
	buf := make([]byte, IDLength)
	raw := make([]byte, IDLength)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("assets: failed to read random bytes: %v", err))
	}
	for i, b := range raw {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}

// Type enumerates known asset types. Device-protocol-specific subtypes are
// represented as plain strings beyond the few the sync subsystem itself
// needs to recognize.
type Type string

// Well-known asset types.
const (
	TypeGateway   Type = "GatewayAsset"
	TypeBuilding  Type = "BuildingAsset"
	TypeRoom      Type = "RoomAsset"
	TypeSimulated Type = "SimulatedAsset"
)

// ValueType enumerates the primitive types an Attribute's value may hold.
type ValueType string

// Supported value types.
const (
	ValueTypeBoolean  ValueType = "boolean"
	ValueTypeNumber   ValueType = "number"
	ValueTypeString   ValueType = "string"
	ValueTypeGeoPoint ValueType = "geo-point"
)

// MetaItem is a named metadata entry attached to an Attribute, e.g.
// AGENT_LINK, READ_ONLY, ACCESS_PUBLIC_READ, UNIT_TYPE.
type MetaItem struct {
	Name  string `json:"name"`
	Value any    `json:"value,omitempty"`
}

// Attribute is a named, typed value on an Asset with metadata.
type Attribute struct {
	Name      string              `json:"name"`
	ValueType ValueType           `json:"valueType"`
	Value     any                 `json:"value,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Meta      map[string]MetaItem `json:"meta,omitempty"`
}

// Asset is a node in the per-realm asset forest.
type Asset struct {
	ID         string               `json:"id"`
	Version    int64                `json:"version"`
	Name       string               `json:"name"`
	Type       Type                 `json:"type"`
	ParentID   string               `json:"parentId,omitempty"`
	Realm      string               `json:"realm"`
	CreatedAt  time.Time            `json:"createdAt"`
	Attributes map[string]Attribute `json:"attributes,omitempty"`
}

// AttributeRef addresses a single attribute on a single asset.
type AttributeRef struct {
	AssetID       string `json:"assetId"`
	AttributeName string `json:"attributeName"`
}

// Source identifies where an AttributeEvent originated.
type Source string

// Recognized attribute event sources.
const (
	SourceClient           Source = "CLIENT"
	SourceInternal         Source = "INTERNAL"
	SourceSensor           Source = "SENSOR"
	SourceGateway          Source = "GATEWAY"
	SourceAttributeLinking Source = "ATTRIBUTE_LINKING"
)

// AttributeEvent carries a single attribute value change.
type AttributeEvent struct {
	Ref       AttributeRef `json:"ref"`
	Value     any          `json:"value"`
	Timestamp time.Time    `json:"t"`
	Source    Source       `json:"source"`
	Realm     string       `json:"realm,omitempty"`
	ParentID  string       `json:"parentId,omitempty"`
}

// Cause enumerates the kind of change an AssetEvent reports.
type Cause string

// Recognized asset event causes.
const (
	CauseCreate Cause = "CREATE"
	CauseUpdate Cause = "UPDATE"
	CauseDelete Cause = "DELETE"
)

// AssetEvent reports an asset being created, updated, or deleted.
type AssetEvent struct {
	Cause             Cause    `json:"cause"`
	Asset             Asset    `json:"asset"`
	ChangedAttributes []string `json:"updatedProperties,omitempty"`
}

// QuerySelect narrows which parts of an asset a query returns.
type QuerySelect struct {
	ExcludeAttributes bool `json:"excludeAttributes,omitempty"`
	ExcludePath       bool `json:"excludePath,omitempty"`
	ExcludeParentInfo bool `json:"excludeParentInfo,omitempty"`
}

// Query describes a read request against an asset store.
type Query struct {
	Recursive bool        `json:"recursive,omitempty"`
	IDs       []string    `json:"ids,omitempty"`
	Parents   []string    `json:"parents,omitempty"`
	Select    QuerySelect `json:"select,omitempty"`
	Tenant    string      `json:"tenant,omitempty"`
}
