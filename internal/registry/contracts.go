package registry

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callcoach/internal/model"
)

// Attribute scopes.
const (
	ScopeCurriculum = "CURRICULUM"
	ScopeExam       = "EXAM"
)

// Contract names.
const (
	NameCurrentModule  = "current_module"
	NameMastery        = "mastery"
	NameCompletedAt    = "completed_at"
	NameFormativeScore = "formative_score"
	NameExamAttempts   = "attempts"
	NameExamBestScore  = "best_score"
	NameExamLastScore  = "last_score"
	NameExamPassed     = "passed"
)

const (
	placeholderSpec   = "{spec}"
	placeholderModule = "{module}"
)

// AttributeKey identifies a caller attribute before it is rendered to a
// storage key. ModuleID is only meaningful for per-module contracts.
type AttributeKey struct {
	Scope    string
	SpecSlug string
	Name     string
	ModuleID string
}

// Contract declares one storage key: its value kind and the template that
// renders the stored key string.
type Contract struct {
	Scope    string
	Name     string
	Kind     model.AttributeKind
	Template string
}

func (c Contract) perModule() bool {
	return strings.Contains(c.Template, placeholderModule)
}

// ResolvedKey is a rendered storage key.
type ResolvedKey struct {
	Scope string
	Key   string
	Kind  model.AttributeKind
}

// Contracts is the set of known storage-key contracts.
type Contracts struct {
	byName map[string]Contract
}

// NewContracts validates and indexes the given contracts.
func NewContracts(cs ...Contract) (*Contracts, error) {
	out := &Contracts{byName: make(map[string]Contract, len(cs))}
	for _, c := range cs {
		if c.Scope == "" || c.Name == "" {
			return nil, eris.New("registry: contract needs scope and name")
		}
		if !strings.Contains(c.Template, placeholderSpec) {
			return nil, eris.Errorf("registry: contract %s/%s template lacks %s", c.Scope, c.Name, placeholderSpec)
		}
		id := contractID(c.Scope, c.Name)
		if _, dup := out.byName[id]; dup {
			return nil, eris.Errorf("registry: duplicate contract %s", id)
		}
		out.byName[id] = c
	}
	return out, nil
}

// DefaultContracts returns the curriculum and exam contracts.
func DefaultContracts() *Contracts {
	c, err := NewContracts(
		Contract{Scope: ScopeCurriculum, Name: NameCurrentModule, Kind: model.AttrString, Template: "curriculum:{spec}:current_module"},
		Contract{Scope: ScopeCurriculum, Name: NameMastery, Kind: model.AttrNumber, Template: "curriculum:{spec}:mastery:{module}"},
		Contract{Scope: ScopeCurriculum, Name: NameCompletedAt, Kind: model.AttrString, Template: "curriculum:{spec}:completed_at:{module}"},
		Contract{Scope: ScopeCurriculum, Name: NameFormativeScore, Kind: model.AttrNumber, Template: "curriculum:{spec}:formative_score"},
		Contract{Scope: ScopeExam, Name: NameExamAttempts, Kind: model.AttrNumber, Template: "exam:{spec}:attempts"},
		Contract{Scope: ScopeExam, Name: NameExamBestScore, Kind: model.AttrNumber, Template: "exam:{spec}:best_score"},
		Contract{Scope: ScopeExam, Name: NameExamLastScore, Kind: model.AttrNumber, Template: "exam:{spec}:last_score"},
		Contract{Scope: ScopeExam, Name: NameExamPassed, Kind: model.AttrBool, Template: "exam:{spec}:passed"},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// Resolve renders k through its contract. A key without a contract yields
// model.ErrConfigContractMissing.
func (c *Contracts) Resolve(k AttributeKey) (ResolvedKey, error) {
	if c == nil {
		return ResolvedKey{}, eris.Wrap(model.ErrConfigContractMissing, "registry: no contracts loaded")
	}
	contract, ok := c.byName[contractID(k.Scope, k.Name)]
	if !ok {
		return ResolvedKey{}, eris.Wrapf(model.ErrConfigContractMissing, "registry: %s/%s", k.Scope, k.Name)
	}
	if k.SpecSlug == "" {
		return ResolvedKey{}, eris.Errorf("registry: %s/%s needs a spec slug", k.Scope, k.Name)
	}
	if contract.perModule() && k.ModuleID == "" {
		return ResolvedKey{}, eris.Errorf("registry: %s/%s needs a module id", k.Scope, k.Name)
	}

	key := strings.ReplaceAll(contract.Template, placeholderSpec, k.SpecSlug)
	key = strings.ReplaceAll(key, placeholderModule, k.ModuleID)
	return ResolvedKey{Scope: contract.Scope, Key: key, Kind: contract.Kind}, nil
}

func contractID(scope, name string) string {
	return scope + "/" + name
}
