// Package mapping translates identities to and from a resource's native
// attribute model.
//
// Translation is pure: a Compiled mapping holds only immutable compiled
// expressions, performs no I/O and is safe for concurrent use.
package mapping

import (
	"fmt"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/ast"
	"github.com/antonmedv/expr/vm"

	"github.com/openfroyo/provisio/pkg/engine"
)

// Names bound in the expression environment, besides the attributes themselves.
const (
	// EnvValue holds the value being transformed: nil when absent, a scalar
	// when single-valued, a list otherwise.
	EnvValue = "value"

	// EnvAttrs holds every attribute as a map, for names that are not identifiers.
	EnvAttrs = "attrs"
)

// Compiled is a validated mapping with its expressions compiled.
type Compiled struct {
	anyType     string
	objectClass string
	auxClasses  []string
	items       []compiledItem
	key         int
}

type compiledItem struct {
	item      engine.Item
	mandatory *vm.Program
	toNative  *vm.Program
	fromNat   *vm.Program
}

// AnyType returns the any-type of the provision.
func (c *Compiled) AnyType() string { return c.anyType }

// ObjectClass returns the native object class of the provision.
func (c *Compiled) ObjectClass() string { return c.objectClass }

// AuxClasses returns a copy of the auxiliary classes.
func (c *Compiled) AuxClasses() []string {
	return append([]string(nil), c.auxClasses...)
}

// KeyItem returns the connObjectKey item.
func (c *Compiled) KeyItem() engine.Item { return c.items[c.key].item }

// Items returns a copy of the mapping items.
func (c *Compiled) Items() []engine.Item {
	out := make([]engine.Item, len(c.items))
	for i, ci := range c.items {
		out[i] = ci.item
	}
	return out
}

// Compile validates a provision's mapping and compiles its expressions.
// When schema is non-nil, every external attribute name in use must exist in it.
// All failures are ConfigurationErrors.
func Compile(p engine.Provision, schema *engine.ObjectClassInfo) (*Compiled, error) {
	if p.ObjectClass == "" {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("provision %s has no object class", p.AnyType), nil)
	}
	keyItem, ok := p.Mapping.ConnObjectKeyItem()
	if !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("provision %s has no mapping", p.AnyType), nil)
	}

	items := p.Mapping.Items()
	c := &Compiled{
		anyType:     p.AnyType,
		objectClass: p.ObjectClass,
		auxClasses:  append([]string(nil), p.AuxClasses...),
		items:       make([]compiledItem, 0, len(items)),
		key:         -1,
	}

	for i, item := range items {
		if schema != nil && item.Purpose != engine.PurposeNone && !isOperational(item.ExtAttrName) {
			if _, found := schema.Attribute(item.ExtAttrName); !found {
				return nil, engine.NewConfigurationError(
					fmt.Sprintf("attribute %s is not defined by object class %s", item.ExtAttrName, schema.Name), nil)
			}
		}

		ci := compiledItem{item: item}
		var err error
		if ci.mandatory, err = compileExpr(item.MandatoryCondition); err != nil {
			return nil, itemError(i, item, "mandatory condition", err)
		}
		if ci.toNative, err = compileExpr(item.PropagationTransformer); err != nil {
			return nil, itemError(i, item, "propagation transformer", err)
		}
		if ci.fromNat, err = compileExpr(item.PullTransformer); err != nil {
			return nil, itemError(i, item, "pull transformer", err)
		}

		if item.ConnObjectKey && item.ExtAttrName == keyItem.ExtAttrName {
			c.key = len(c.items)
		}
		c.items = append(c.items, ci)
	}
	if c.key < 0 {
		return nil, engine.NewConfigurationError("mapping has no connObjectKey item", nil)
	}
	return c, nil
}

// clockBuiltins read the wall clock and would make translation non-deterministic.
var clockBuiltins = []string{"now", "date", "duration"}

func compileExpr(src string) (*vm.Program, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	guard := &callGuard{}
	opts := []expr.Option{
		expr.Env(map[string]interface{}{}),
		expr.AllowUndefinedVariables(),
		expr.Patch(guard),
	}
	for _, name := range clockBuiltins {
		opts = append(opts, expr.DisableBuiltin(name))
	}
	p, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, err
	}
	if guard.name != "" {
		return nil, fmt.Errorf("function %s is not available in mapping expressions", guard.name)
	}
	return p, nil
}

// callGuard records the first call to a clock builtin, however the parser
// represents it once the builtin is disabled.
type callGuard struct {
	name string
}

func (g *callGuard) Visit(node *ast.Node) {
	if g.name != "" {
		return
	}
	var name string
	switch n := (*node).(type) {
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			name = id.Value
		}
	case *ast.BuiltinNode:
		name = n.Name
	}
	for _, clock := range clockBuiltins {
		if name == clock {
			g.name = name
		}
	}
}

func itemError(i int, item engine.Item, what string, err error) error {
	return engine.NewConfigurationError(
		fmt.Sprintf("mapping item %d (%s -> %s): invalid %s", i, item.IntAttrName, item.ExtAttrName, what), err)
}

// isOperational reports names like __NAME__ or __UID__ that connectors
// handle outside their declared schema.
func isOperational(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

// ToNative translates an identity into the native object to propagate.
// The object's UID is the connObjectKey value.
func ToNative(c *Compiled, identity engine.Identity) (*engine.ConnectorObject, error) {
	env := identityEnv(identity)
	obj := &engine.ConnectorObject{
		ObjectClass: c.objectClass,
		Attributes:  engine.Attributes{},
	}

	for i := range c.items {
		ci := &c.items[i]
		isKey := i == c.key
		if !isKey && !ci.item.Purpose.ForPropagation() {
			continue
		}

		values := internalValues(identity, ci.item.IntAttrName)
		values, err := transform(ci.toNative, env, values)
		if err != nil {
			return nil, engine.NewTranslationError(
				fmt.Sprintf("propagation transformer of %s failed", ci.item.ExtAttrName), err)
		}

		if len(values) == 0 {
			required, err := evalCondition(ci.mandatory, env)
			if err != nil {
				return nil, err
			}
			if required || isKey {
				return nil, engine.NewRequiredValueMissingError(ci.item.ExtAttrName)
			}
			continue
		}

		obj.Attributes.Set(ci.item.ExtAttrName, values...)
		if isKey {
			obj.UID = engine.ValueString(values[0])
		}
	}
	return obj, nil
}

// ConnObjectKeyValue computes only the connObjectKey value of an identity.
// Mandatory conditions of other items are not evaluated.
func ConnObjectKeyValue(c *Compiled, identity engine.Identity) (string, error) {
	ci := &c.items[c.key]
	values := internalValues(identity, ci.item.IntAttrName)
	values, err := transform(ci.toNative, identityEnv(identity), values)
	if err != nil {
		return "", engine.NewTranslationError(
			fmt.Sprintf("propagation transformer of %s failed", ci.item.ExtAttrName), err)
	}
	if len(values) == 0 || engine.ValueString(values[0]) == "" {
		return "", engine.NewRequiredValueMissingError(ci.item.ExtAttrName)
	}
	return engine.ValueString(values[0]), nil
}

// FromNative translates a native object into internal attributes.
// The connObjectKey item falls back to the object's UID.
func FromNative(c *Compiled, obj *engine.ConnectorObject) (engine.Attributes, error) {
	env := attributesEnv(obj.Attributes)
	env[engine.UIDAttribute] = obj.UID
	out := engine.Attributes{}

	for i := range c.items {
		ci := &c.items[i]
		isKey := i == c.key
		if !isKey && !ci.item.Purpose.ForPull() {
			continue
		}

		values := nativeValues(obj, ci.item.ExtAttrName)
		if isKey && len(values) == 0 && obj.UID != "" {
			values = []interface{}{obj.UID}
		}
		values, err := transform(ci.fromNat, env, values)
		if err != nil {
			return nil, engine.NewTranslationError(
				fmt.Sprintf("pull transformer of %s failed", ci.item.ExtAttrName), err)
		}
		if len(values) == 0 {
			continue
		}
		out.Set(ci.item.IntAttrName, values...)
	}
	return out, nil
}

func internalValues(identity engine.Identity, name string) []interface{} {
	if v, ok := identity.Attributes.Get(name); ok {
		return v
	}
	if name == engine.IdentityKeyAttribute && identity.Key != "" {
		return []interface{}{identity.Key}
	}
	return nil
}

func nativeValues(obj *engine.ConnectorObject, name string) []interface{} {
	if name == engine.UIDAttribute {
		if obj.UID == "" {
			return nil
		}
		return []interface{}{obj.UID}
	}
	if v, ok := obj.Attributes.Get(name); ok {
		return v
	}
	for attr, v := range obj.Attributes {
		if strings.EqualFold(attr, name) && len(v) > 0 {
			return v
		}
	}
	return nil
}

func identityEnv(identity engine.Identity) map[string]interface{} {
	env := attributesEnv(identity.Attributes)
	if _, ok := env[engine.IdentityKeyAttribute]; !ok {
		env[engine.IdentityKeyAttribute] = identity.Key
	}
	return env
}

func attributesEnv(attrs engine.Attributes) map[string]interface{} {
	flat := attrs.Flatten()
	env := make(map[string]interface{}, len(flat)+2)
	for k, v := range flat {
		env[k] = v
	}
	env[EnvAttrs] = flat
	return env
}

// transform runs a transformer over values. A nil program passes values through.
func transform(p *vm.Program, env map[string]interface{}, values []interface{}) ([]interface{}, error) {
	if p == nil {
		return values, nil
	}
	env[EnvValue] = valueOf(values)
	defer delete(env, EnvValue)

	out, err := expr.Run(p, env)
	if err != nil {
		return nil, err
	}
	return valuesOf(out), nil
}

// evalCondition evaluates a mandatory condition. A missing condition is false.
func evalCondition(p *vm.Program, env map[string]interface{}) (bool, error) {
	if p == nil {
		return false, nil
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return false, engine.NewTranslationError("mandatory condition failed", err)
	}
	switch b := out.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	default:
		return false, engine.NewTranslationError(
			fmt.Sprintf("mandatory condition returned %T, want bool", out), nil)
	}
}

func valueOf(values []interface{}) interface{} {
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return append([]interface{}(nil), values...)
	}
}

func valuesOf(v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, x := range t {
			if x != nil {
				out = append(out, x)
			}
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []interface{}{t}
	default:
		return []interface{}{t}
	}
}
