package dsl

import (
	"context"
	"testing"

	"github.com/r3e-forks/data-core/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSingleStepPassthrough(t *testing.T) {
	p := &Program{Steps: []Step{
		{
			From: From{Type: FromKindFormat},
			To:   To{Type: ToKindFormat},
		},
	}}

	e := NewExecutor(nil, nil)
	out, err := e.Run(context.Background(), p, Record{"name": "acme"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "acme", out[0].Produced["name"])
}

func TestRunMappingNormalizesAndMaterializes(t *testing.T) {
	p := &Program{Steps: []Step{
		{
			From: From{Type: FromKindFormat, Mapping: map[string]string{"raw.name": "customer_name"}},
			To:   To{Type: ToKindFormat, Mapping: map[string]string{"label": "customer_name"}},
		},
	}}

	e := NewExecutor(nil, nil)
	out, err := e.Run(context.Background(), p, Record{"raw": map[string]interface{}{"name": "acme"}})
	require.NoError(t, err)
	assert.Equal(t, "acme", out[0].Produced["label"])
}

func TestRunPreviousStepAtStepZeroFails(t *testing.T) {
	p := &Program{Steps: []Step{
		{From: From{Type: FromKindPreviousStep}, To: To{Type: ToKindFormat}},
	}}

	e := NewExecutor(nil, nil)
	_, err := e.Run(context.Background(), p, Record{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestRunArithmeticDivideByZeroFails(t *testing.T) {
	p := &Program{Steps: []Step{
		{
			From: From{Type: FromKindFormat},
			Transform: Transform{
				Type:   TransformArithmetic,
				Target: "ratio",
				Left:   &Operand{Kind: "field", Field: "amount"},
				Op:     OpDiv,
				Right:  &Operand{Kind: "const", Value: []byte("0")},
			},
			To: To{Type: ToKindFormat},
		},
	}}

	e := NewExecutor(nil, nil)
	_, err := e.Run(context.Background(), p, Record{"amount": 10.0})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestRunArithmeticAdd(t *testing.T) {
	p := &Program{Steps: []Step{
		{
			From: From{Type: FromKindFormat},
			Transform: Transform{
				Type:   TransformArithmetic,
				Target: "total",
				Left:   &Operand{Kind: "field", Field: "a"},
				Op:     OpAdd,
				Right:  &Operand{Kind: "field", Field: "b"},
			},
			To: To{Type: ToKindFormat},
		},
	}}

	e := NewExecutor(nil, nil)
	out, err := e.Run(context.Background(), p, Record{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out[0].Produced["total"])
}

func TestRunConcat(t *testing.T) {
	p := &Program{Steps: []Step{
		{
			From: From{Type: FromKindFormat},
			Transform: Transform{
				Type:      TransformConcat,
				Target:    "full_name",
				Left:      &Operand{Kind: "field", Field: "first"},
				Separator: " ",
				Right:     &Operand{Kind: "field", Field: "last"},
			},
			To: To{Type: ToKindFormat},
		},
	}}

	e := NewExecutor(nil, nil)
	out, err := e.Run(context.Background(), p, Record{"first": "Ada", "last": "Lovelace"})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", out[0].Produced["full_name"])
}

func TestRunBuildPathWithSlugify(t *testing.T) {
	p := &Program{Steps: []Step{
		{
			From: From{Type: FromKindFormat, Mapping: map[string]string{"name": "name"}},
			Transform: Transform{
				Type:            TransformBuildPath,
				Target:          "path",
				Template:        "/products/{name}",
				FieldTransforms: map[string]FieldTransform{"name": FieldTransformSlugify},
			},
			To: To{Type: ToKindFormat},
		},
	}}

	e := NewExecutor(nil, nil)
	out, err := e.Run(context.Background(), p, Record{"name": "Wireless Mouse!"})
	require.NoError(t, err)
	assert.Equal(t, "/products/wireless-mouse", out[0].Produced["path"])
}

func TestRunMaterializeLiteral(t *testing.T) {
	p := &Program{Steps: []Step{
		{
			From: From{Type: FromKindFormat},
			To:   To{Type: ToKindFormat, Mapping: map[string]string{"status": "@literal:\"staged\""}},
		},
	}}

	e := NewExecutor(nil, nil)
	out, err := e.Run(context.Background(), p, Record{})
	require.NoError(t, err)
	assert.Equal(t, "staged", out[0].Produced["status"])
}

func TestRunPropagatesNextStepOutputNotNormalized(t *testing.T) {
	p := &Program{Steps: []Step{
		{
			From: From{Type: FromKindFormat, Mapping: map[string]string{"name": "label"}},
			To:   To{Type: ToKindNextStep, Mapping: map[string]string{"label": "label"}},
		},
		{
			From: From{Type: FromKindPreviousStep},
			To:   To{Type: ToKindFormat},
		},
	}}

	e := NewExecutor(nil, nil)
	out, err := e.Run(context.Background(), p, Record{"name": "acme"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "acme", out[1].Produced["label"])
	_, hasName := out[1].Produced["name"]
	assert.False(t, hasName)
}

type fakeEntities struct {
	found map[string]Record
}

func (f *fakeEntities) FindOne(ctx context.Context, entityDefinition string, filter map[string]string) (Record, bool, error) {
	rec, ok := f.found[entityDefinition]
	return rec, ok, nil
}

func (f *fakeEntities) GetOrCreate(ctx context.Context, entityDefinition string, filter map[string]string, defaults map[string]string) (string, error) {
	return "generated-uuid", nil
}

func TestApplyAsyncTransformResolveEntityPath(t *testing.T) {
	entities := &fakeEntities{found: map[string]Record{
		"category": {"path": "/electronics", "uuid": "cat-1"},
	}}
	e := NewExecutor(entities, nil)

	normalized := Record{}
	transform := Transform{
		Type:             TransformResolveEntityPath,
		EntityDefinition: "category",
		Filter:           map[string]string{"name": "electronics"},
	}

	err := e.ApplyAsyncTransform(context.Background(), 0, transform, normalized)
	require.NoError(t, err)
	assert.Equal(t, "/electronics", normalized["path"])
	assert.Equal(t, "cat-1", normalized["parent_uuid"])
}

func TestApplyAsyncTransformGetOrCreateEntity(t *testing.T) {
	entities := &fakeEntities{found: map[string]Record{}}
	e := NewExecutor(entities, nil)

	normalized := Record{}
	transform := Transform{
		Type:             TransformGetOrCreateEntity,
		Target:           "category_uuid",
		EntityDefinition: "category",
		Filter:           map[string]string{"name": "new-category"},
	}

	err := e.ApplyAsyncTransform(context.Background(), 0, transform, normalized)
	require.NoError(t, err)
	assert.Equal(t, "generated-uuid", normalized["category_uuid"])
}

func TestApplyAsyncTransformResolveEntityPathNotFound(t *testing.T) {
	entities := &fakeEntities{found: map[string]Record{}}
	e := NewExecutor(entities, nil)

	transform := Transform{Type: TransformResolveEntityPath, EntityDefinition: "category"}
	err := e.ApplyAsyncTransform(context.Background(), 0, transform, Record{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}
