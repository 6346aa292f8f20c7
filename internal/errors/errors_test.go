package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorBuilder(t *testing.T) {
	base := NewStd("upload rejected")
	err := New(base).
		Component("uploadqueue").
		Category(CategoryTransfer).
		Context("status_code", 500).
		Build()

	assert.Equal(t, "upload rejected", err.Error())
	assert.Equal(t, "uploadqueue", err.GetComponent())
	assert.Equal(t, CategoryTransfer, err.ErrorCategory())
	assert.Equal(t, 500, err.GetContext()["status_code"])
	assert.True(t, Is(err, base))
}

func TestCategoryMatching(t *testing.T) {
	a := Newf("connection reset").Category(CategoryTransfer).Build()
	b := Newf("dns failure").Category(CategoryTransfer).Build()
	c := Newf("bad jpeg").Category(CategoryDecode).Build()

	assert.True(t, Is(a, b), "errors of the same category should match")
	assert.False(t, Is(a, c), "errors of different categories should not match")
}

func TestDefaultCategory(t *testing.T) {
	err := Newf("something").Build()
	assert.Equal(t, CategoryGeneric, err.Category)
}

func TestUnwrap(t *testing.T) {
	base := NewStd("base")
	err := New(base).Category(CategoryStorage).Build()

	var enhanced *EnhancedError
	require.True(t, As(err, &enhanced))
	assert.Equal(t, base, enhanced.Unwrap())
}

func TestContextIsCopied(t *testing.T) {
	err := Newf("x").Context("k", "v").Build()
	ctx := err.GetContext()
	ctx["k"] = "mutated"
	assert.Equal(t, "v", err.GetContext()["k"])
}
