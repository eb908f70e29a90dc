package ctorz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordBookFirstWriteWins(t *testing.T) {
	var b recordBook

	_, ok := b.get("app.Foo")
	assert.False(t, ok)
	assert.Empty(t, b.all())

	assert.True(t, b.put(RewriteRecord{Type: "app.Foo", Rewritten: true}))
	assert.False(t, b.put(RewriteRecord{Type: "app.Foo", Reason: "later"}))
	assert.True(t, b.put(RewriteRecord{Type: "app.Bar"}))

	rec, ok := b.get("app.Foo")
	assert.True(t, ok)
	assert.True(t, rec.Rewritten)
	assert.Empty(t, rec.Reason)

	all := b.all()
	if assert.Len(t, all, 2) {
		assert.Equal(t, TypeID("app.Bar"), all[0].Type)
		assert.Equal(t, TypeID("app.Foo"), all[1].Type)
	}
}
