package policy

import (
	"time"
)

// Policy is one correlation rule written in Rego.
//
// The module must define a `query` rule producing an object of internal
// attribute names to values. An undefined or empty query means the object
// is not correlated.
type Policy struct {
	// Name addresses the rule from pull profiles.
	Name string `json:"name"`

	// Description is taken from the leading comment of a .rego file.
	Description string `json:"description"`

	// Rego is the module source.
	Rego string `json:"rego"`

	// Enabled rules are compiled; disabled ones are kept but not queried.
	Enabled bool `json:"enabled"`

	// Source is the file the rule was read from, empty for built-ins.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Input is the document a correlation rule sees as `input`.
type Input struct {
	// AnyType is the any-type being reconciled.
	AnyType string `json:"any_type"`

	// Object is the remote object.
	Object ObjectInput `json:"object"`

	// Attributes are the internal attributes translated from the object.
	Attributes map[string]interface{} `json:"attributes"`
}

// ObjectInput is the remote object as seen by Rego.
type ObjectInput struct {
	UID         string                 `json:"uid"`
	ObjectClass string                 `json:"object_class"`
	Attributes  map[string]interface{} `json:"attributes"`
}
