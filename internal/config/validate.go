package config

import (
	"fmt"
	"strings"
)

// validate enforces every load-time rule. Configuration problems surface
// here and never during a write.
func validate(cfg Config) error {
	if strings.TrimSpace(cfg.DefaultContext) == "" {
		return &Error{Path: "defaultContext", Msg: "missing default context"}
	}

	for prefix, ns := range cfg.Namespaces {
		if prefix == "" || strings.Contains(prefix, ":") {
			return &Error{Path: "namespaces", Msg: fmt.Sprintf("invalid prefix %q", prefix)}
		}

		if ns == "" {
			return &Error{Path: "namespaces." + prefix, Msg: "namespace URI is empty"}
		}
	}

	if cfg.Locks.Retries < 1 {
		return &Error{Path: "locks.retries", Msg: "must be >= 1"}
	}

	if cfg.Locks.RetryMinMS < 0 || cfg.Locks.RetryMaxMS < cfg.Locks.RetryMinMS {
		return &Error{Path: "locks", Msg: "retryMinMs must be >= 0 and <= retryMaxMs"}
	}

	switch cfg.Dispatch.Queue {
	case "memory":
	case "spool":
		if cfg.Dispatch.SpoolDir == "" {
			return &Error{Path: "dispatch.spoolDir", Msg: "required when queue is \"spool\""}
		}
	default:
		return &Error{Path: "dispatch.queue", Msg: fmt.Sprintf("unknown queue %q", cfg.Dispatch.Queue)}
	}

	if len(cfg.Stores) == 0 {
		return &Error{Path: "stores", Msg: "at least one store is required"}
	}

	for _, name := range cfg.StoreNames() {
		err := validateStore(cfg, name, cfg.Stores[name])
		if err != nil {
			return err
		}
	}

	return nil
}

func validateStore(cfg Config, name string, sc StoreConfig) error {
	base := "stores." + name

	if len(sc.Pods) == 0 {
		return &Error{Path: base + ".pods", Msg: "at least one pod is required"}
	}

	colls := map[string]OperationKind{}

	for _, k := range Kinds {
		coll := sc.Collection(k)
		if _, isPod := sc.Pods[coll]; isPod {
			return &Error{Path: base, Msg: fmt.Sprintf("%s collection %q clashes with a pod", k, coll)}
		}

		if other, dup := colls[coll]; dup {
			return &Error{Path: base, Msg: fmt.Sprintf("%s and %s share collection %q", other, k, coll)}
		}

		colls[coll] = k
	}

	for pod, pc := range sc.Pods {
		for pred, limit := range pc.Cardinality {
			prefix, _, ok := strings.Cut(pred, ":")
			if !ok {
				return &Error{Path: base + ".pods." + pod + ".cardinality", Msg: fmt.Sprintf("predicate %q is not a prefixed name", pred)}
			}

			if _, declared := cfg.Namespaces[prefix]; !declared {
				return &Error{Path: base + ".pods." + pod + ".cardinality", Msg: fmt.Sprintf("predicate %q uses undeclared namespace %q", pred, prefix)}
			}

			if limit < 1 {
				return &Error{Path: base + ".pods." + pod + ".cardinality", Msg: fmt.Sprintf("predicate %q has cardinality %d, must be >= 1", pred, limit)}
			}
		}
	}

	seen := map[string]bool{}

	for _, k := range Kinds {
		for _, spec := range sc.Specs(k) {
			path := fmt.Sprintf("%s.%s[%s]", base, specsKey(k), spec.ID)

			if spec.ID == "" {
				return &Error{Path: base + "." + specsKey(k), Msg: "specification without _id"}
			}

			if seen[spec.ID] {
				return &Error{Path: path, Msg: "duplicate specification id"}
			}

			seen[spec.ID] = true

			err := validateSpec(cfg, sc, k, spec, path)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func specsKey(k OperationKind) string {
	switch k {
	case KindView:
		return "viewSpecifications"
	case KindTable:
		return "tableSpecifications"
	default:
		return "searchDocSpecifications"
	}
}

func validateSpec(cfg Config, sc StoreConfig, kind OperationKind, spec Spec, path string) error {
	if len(spec.Type) == 0 {
		return &Error{Path: path, Msg: "type is required"}
	}

	err := validateFrom(sc, kind, spec.From, path)
	if err != nil {
		return err
	}

	if kind == KindView && len(spec.Joins) == 0 {
		return &Error{Path: path, Msg: "view specification requires joins"}
	}

	if spec.TTL < 0 {
		return &Error{Path: path, Msg: "ttl must be >= 0"}
	}

	if len(spec.Counts) > 0 && spec.TTL == 0 {
		return &Error{Path: path, Msg: "aggregate function counts declared without a ttl"}
	}

	for field, c := range spec.Counts {
		if c.Property == "" {
			return &Error{Path: path + ".counts." + field, Msg: "property is required"}
		}

		if c.From != "" {
			if _, ok := sc.Pods[c.From]; !ok {
				return &Error{Path: path + ".counts." + field, Msg: fmt.Sprintf("from %q is not a pod", c.From)}
			}
		}
	}

	err = validateFields(append(append([]FieldSpec(nil), spec.Fields...), spec.Indices...), path)
	if err != nil {
		return err
	}

	err = validateJoins(cfg, sc, spec.Joins, path+".joins", 1)
	if err != nil {
		return err
	}

	return validateIndexes(spec, path)
}

func validateFrom(sc StoreConfig, kind OperationKind, from, path string) error {
	if from == "" {
		return &Error{Path: path, Msg: "from is required"}
	}

	if _, ok := sc.Pods[from]; ok {
		return nil
	}

	if k, ok := sc.KindOfCollection(from); ok {
		if k == kind {
			return &Error{Path: path, Msg: fmt.Sprintf("from %q is this kind's own collection", from)}
		}

		return nil
	}

	return &Error{Path: path, Msg: fmt.Sprintf("from %q is neither a pod nor a composite collection", from)}
}

func validateFields(fields []FieldSpec, path string) error {
	for _, f := range fields {
		if f.FieldName == "" {
			return &Error{Path: path, Msg: "field without fieldName"}
		}

		if len(f.Predicates) == 0 && f.Value != LinkValue {
			return &Error{Path: path + "." + f.FieldName, Msg: "field needs predicates or value \"_link_\""}
		}

		if f.Limit < 0 {
			return &Error{Path: path + "." + f.FieldName, Msg: "limit must be >= 0"}
		}
	}

	return nil
}

func validateJoins(cfg Config, sc StoreConfig, joins map[string]*JoinSpec, path string, depth int) error {
	if len(joins) == 0 {
		return nil
	}

	if depth > cfg.MaxJoinDepth {
		return &Error{Path: path, Msg: fmt.Sprintf("joins nested deeper than %d", cfg.MaxJoinDepth)}
	}

	for _, pred := range SortedJoins(joins) {
		j := joins[pred]
		jpath := path + "." + pred

		if j == nil {
			return &Error{Path: jpath, Msg: "empty join"}
		}

		if j.MaxJoins < 0 {
			return &Error{Path: jpath, Msg: "maxJoins must be >= 0"}
		}

		if j.From != "" {
			if _, ok := sc.Pods[j.From]; !ok {
				if _, isComposite := sc.KindOfCollection(j.From); !isComposite {
					return &Error{Path: jpath, Msg: fmt.Sprintf("from %q is neither a pod nor a composite collection", j.From)}
				}
			}
		}

		err := validateFields(append(append([]FieldSpec(nil), j.Fields...), j.Indices...), jpath)
		if err != nil {
			return err
		}

		err = validateJoins(cfg, sc, j.Joins, jpath+".joins", depth+1)
		if err != nil {
			return err
		}
	}

	return nil
}

// validateIndexes rejects compound indexes over two multi-valued fields. A
// field is multi-valued when it is produced inside a join that may fan out.
func validateIndexes(spec Spec, path string) error {
	if len(spec.EnsureIndexes) == 0 {
		return nil
	}

	multi := map[string]bool{}
	collectMultiValued(spec.Joins, false, multi)

	for i, idx := range spec.EnsureIndexes {
		if len(idx) == 0 {
			return &Error{Path: fmt.Sprintf("%s.ensureIndexes[%d]", path, i), Msg: "empty index"}
		}

		var arrays []string

		for field := range idx {
			name := strings.TrimPrefix(field, "value.")
			if multi[name] {
				arrays = append(arrays, field)
			}
		}

		if len(arrays) > 1 {
			return &Error{
				Path: fmt.Sprintf("%s.ensureIndexes[%d]", path, i),
				Msg:  "compound index spans more than one multi-valued field",
			}
		}
	}

	return nil
}

func collectMultiValued(joins map[string]*JoinSpec, parentMulti bool, out map[string]bool) {
	for _, pred := range SortedJoins(joins) {
		j := joins[pred]
		isMulti := parentMulti || j.MaxJoins != 1

		for _, f := range j.Fields {
			if isMulti {
				out[f.FieldName] = true
			}
		}

		for _, f := range j.Indices {
			if isMulti {
				out[f.FieldName] = true
			}
		}

		collectMultiValued(j.Joins, isMulti, out)
	}
}
