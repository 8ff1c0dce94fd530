package manifest

// LinkAccess implements access parameter inheritance: a node without an
// explicit access level inherits from the nearest ancestor that has one,
// defaulting to AccessProtected at the Dataset root. An explicit access on
// a model or property is kept as written, even when it is looser than its
// parent's; one stricter than the dataset's current access raises the
// dataset to that level, so a dataset is never more open than its most
// restricted model or property.
func (m *Manifest) LinkAccess() {
	for _, ds := range m.Datasets {
		if ds.Access == "" {
			ds.Access = AccessProtected
		}
		for _, res := range ds.Resources {
			for _, model := range res.Models {
				if model.Access == "" {
					model.Access = ds.Access
				} else if stricter(model.Access, ds.Access) {
					ds.Access = model.Access
				}
				linkPropsAccess(model.Properties, model.Access, ds)
			}
		}
	}
}

// linkPropsAccess resolves each Property's access, inheriting from parent
// when unset and raising the dataset's effective access when a descendant
// is stricter.
func linkPropsAccess(props map[string]*Property, inherited Access, ds *Dataset) {
	for _, p := range props {
		if p.Access == "" {
			p.Access = inherited
		} else if stricter(p.Access, ds.Access) {
			ds.Access = p.Access
		}
		if p.Type.Props != nil {
			linkPropsAccess(p.Type.Props, p.Access, ds)
		}
		if p.Type.Items != nil && p.Type.Items.Props != nil {
			linkPropsAccess(p.Type.Items.Props, p.Access, ds)
		}
	}
}

// LoadAccess parses a raw access string from a manifest source row into an
// Access value. An empty string stays unset ("") so LinkAccess fills it in
// by inheritance; an unknown string defaults to AccessProtected so a
// node's access is never silently unrestricted.
func LoadAccess(raw string) Access {
	if raw == "" {
		return ""
	}
	switch Access(raw) {
	case AccessOpen, AccessPublic, AccessProtected, AccessPrivate:
		return Access(raw)
	default:
		return AccessProtected
	}
}
