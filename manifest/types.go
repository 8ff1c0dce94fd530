// Package manifest holds the in-memory, immutable-after-load graph of
// datasets, models, properties and data types that every other component
// resolves names against.
package manifest

// DataTypeKind is the variant tag for a Property's value type.
type DataTypeKind string

const (
	TypeString     DataTypeKind = "string"
	TypeInteger    DataTypeKind = "integer"
	TypeNumber     DataTypeKind = "number"
	TypeBoolean    DataTypeKind = "boolean"
	TypeDate       DataTypeKind = "date"
	TypeTime       DataTypeKind = "time"
	TypeDateTime   DataTypeKind = "datetime"
	TypeText       DataTypeKind = "text"
	TypeURI        DataTypeKind = "uri"
	TypeBinary     DataTypeKind = "binary"
	TypeFile       DataTypeKind = "file"
	TypeArray      DataTypeKind = "array"
	TypeObject     DataTypeKind = "object"
	TypeRef        DataTypeKind = "ref"
	TypePrimaryKey DataTypeKind = "primarykey"
	TypeGeometry   DataTypeKind = "geometry"

	// TypePK is the deprecated alias for TypePrimaryKey, kept for manifests
	// written against older tabular sources. The loader logs a deprecation
	// warning whenever it sees it, and validation rewrites it to
	// TypePrimaryKey.
	TypePK DataTypeKind = "pk"
)

// Access is the minimum scope level required to read or write a node.
// Levels increase in restrictiveness: Open is the least restrictive,
// Private the strictest.
type Access string

const (
	AccessOpen     Access = "open"
	AccessPublic   Access = "public"
	AccessProtected Access = "protected"
	AccessPrivate  Access = "private"
)

// rank orders Access values from least to most restrictive.
var rank = map[Access]int{
	AccessOpen:      0,
	AccessPublic:    1,
	AccessProtected: 2,
	AccessPrivate:   3,
}

// stricter reports whether a is a more restrictive access level than b.
func stricter(a, b Access) bool {
	return rank[a] > rank[b]
}

// DataType describes the value type of a Property, including the nested
// shape for array and object types and the reference target for ref types.
type DataType struct {
	Kind DataTypeKind

	// Items is the element type for Kind == TypeArray.
	Items *DataType

	// Props is the nested property set for Kind == TypeObject, keyed by
	// local (not dotted) name.
	Props map[string]*Property

	// RefModel is the qualified name of the target Model for Kind == TypeRef.
	RefModel string
	// RefProps are the target model's properties this ref denormalises,
	// used at External SQL Reader projection time.
	RefProps []string
	// RefLevel controls whether the reference is stored by `_id` or by its
	// refprops, per the External SQL Reader's projection rule.
	RefLevel int

	// Enum maps a raw source value to its prepared (display) value. Empty
	// when the property has no enumeration.
	Enum map[string]string
	// EnumStrict, when true, makes a value absent from Enum an error
	// (ValueNotInEnum) instead of passing through unchanged.
	EnumStrict bool
}

// Property is a named, typed field on a Model (or on a parent Property's
// nested object/array). Place is the full dotted path from the Model root.
type Property struct {
	Name   string
	Place  string
	Type   DataType
	Access Access
	Level  int

	// Source is the source-system column/formula this property is read
	// from, used by the External SQL Reader.
	Source string
	// Prepare is an RQL-like formula overriding Source for computed values.
	Prepare string

	// Parent is the enclosing Property for a nested object/array field;
	// nil for a top-level Model property.
	Parent *Property
}

// PageSpec names the ordered properties used to build a resumable cursor
// for an External SQL Reader's paginated source.
type PageSpec struct {
	Properties []string
}

// Model is a named, ordered collection of properties bound to one backend
// resource. It is the unit every downstream component operates against.
type Model struct {
	Name       string // qualified name, e.g. "datasets/gov/example/Org"
	Properties map[string]*Property
	Order      []string // property insertion order, for stable flat projection

	PrimaryKey []string // ordered list of top-level property names
	Access     Access

	// KeymapNamespace is the namespace passed to keymap.Encode/Decode for
	// this model's surrogate identifiers.
	KeymapNamespace string
	// RequiredKeymapProperties lists extra property-name combinations that
	// must also be indexed in the KeyMap so composite lookups can resolve,
	// per the External SQL Reader's "required_keymap_properties" rule.
	RequiredKeymapProperties [][]string

	// External is non-nil when the model is bound to a Resource of type
	// "sql"; nil for models stored in the internal backend.
	External *ExternalBinding

	Page *PageSpec

	Resource *Resource // back-reference, non-owning

	flatProps    map[string]*Property
	propsInLists map[string]bool
}

// ExternalBinding names the foreign table/formula a Model projects from,
// via the External SQL Reader.
type ExternalBinding struct {
	Prepare string // base AST formula merged with enum/ref/user query predicates
	Table   string
}

// Resource is a named backend binding (internal store, or an external
// sql-like source) owned by a Dataset.
type Resource struct {
	Name    string
	Type    string // "internal" | "sql" | "couch"
	Backend string // key into Manifest.Backends
	Models  map[string]*Model
	Dataset *Dataset // back-reference, non-owning
}

// Dataset groups Resources under one qualified name, prefix set and
// default access level.
type Dataset struct {
	Name      string
	Prefixes  map[string]string
	Access    Access
	Resources map[string]*Resource
}

// Manifest is the immutable-after-load root of the graph: every Dataset,
// every Model by qualified name, and the backend connection strings they
// reference.
type Manifest struct {
	Name     string
	Datasets map[string]*Dataset
	Models   map[string]*Model // qualified name -> Model, flattened across datasets
	Backends map[string]string // backend name -> DSN
}

// New returns an empty Manifest ready for datasets to be added via AddDataset.
func New(name string) *Manifest {
	return &Manifest{
		Name:     name,
		Datasets: make(map[string]*Dataset),
		Models:   make(map[string]*Model),
		Backends: make(map[string]string),
	}
}
