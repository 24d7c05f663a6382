package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callcoach/internal/model"
)

func TestResolve_Templates(t *testing.T) {
	c := DefaultContracts()

	k, err := c.Resolve(AttributeKey{Scope: ScopeCurriculum, SpecSlug: "food-safety", Name: NameCurrentModule})
	require.NoError(t, err)
	assert.Equal(t, "curriculum:food-safety:current_module", k.Key)
	assert.Equal(t, model.AttrString, k.Kind)

	k, err = c.Resolve(AttributeKey{Scope: ScopeCurriculum, SpecSlug: "food-safety", Name: NameMastery, ModuleID: "m2"})
	require.NoError(t, err)
	assert.Equal(t, "curriculum:food-safety:mastery:m2", k.Key)
	assert.Equal(t, model.AttrNumber, k.Kind)

	k, err = c.Resolve(AttributeKey{Scope: ScopeExam, SpecSlug: "food-safety", Name: NameExamPassed})
	require.NoError(t, err)
	assert.Equal(t, "exam:food-safety:passed", k.Key)
	assert.Equal(t, model.AttrBool, k.Kind)
}

func TestResolve_MissingContract(t *testing.T) {
	_, err := DefaultContracts().Resolve(AttributeKey{Scope: ScopeCurriculum, SpecSlug: "s", Name: "streak"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConfigContractMissing))

	var nilContracts *Contracts
	_, err = nilContracts.Resolve(AttributeKey{Scope: ScopeCurriculum, SpecSlug: "s", Name: NameMastery})
	assert.True(t, errors.Is(err, model.ErrConfigContractMissing))
}

func TestResolve_MissingParts(t *testing.T) {
	c := DefaultContracts()

	_, err := c.Resolve(AttributeKey{Scope: ScopeCurriculum, Name: NameCurrentModule})
	assert.ErrorContains(t, err, "needs a spec slug")

	_, err = c.Resolve(AttributeKey{Scope: ScopeCurriculum, SpecSlug: "s", Name: NameMastery})
	assert.ErrorContains(t, err, "needs a module id")
}

func TestNewContracts_Validation(t *testing.T) {
	_, err := NewContracts(Contract{Scope: "X", Name: "y", Template: "no-placeholders"})
	assert.ErrorContains(t, err, "template lacks")

	dup := Contract{Scope: "X", Name: "y", Template: "x:{spec}"}
	_, err = NewContracts(dup, dup)
	assert.ErrorContains(t, err, "duplicate contract")
}
