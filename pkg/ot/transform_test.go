package ot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// applyDiamond проверяет свойство сходимости:
//
//	apply(apply(doc, b), a') == apply(apply(doc, a), b')
func applyDiamond(t *testing.T, doc string, a, b Op) string {
	t.Helper()

	ap, bp := Transform(a, b)

	viaB, err := Apply(doc, b)
	require.NoError(t, err)
	viaB, err = Apply(viaB, ap)
	require.NoError(t, err, "a'=%#v against %q", ap, viaB)

	viaA, err := Apply(doc, a)
	require.NoError(t, err)
	viaA, err = Apply(viaA, bp)
	require.NoError(t, err, "b'=%#v against %q", bp, viaA)

	require.Equal(t, viaB, viaA, "diamond diverged for a=%#v b=%#v", a, b)
	return viaA
}

func TestTransform_Convergence_AllPairs(t *testing.T) {
	// Перебираем все пары операций на небольшом документе: каждая пара
	// инсертов/удалений во всех взаимных положениях (до, встык, внутри,
	// после, совпадение границ).
	const doc = "abcdef"

	var ops []Op
	for pos := 0; pos <= len(doc); pos++ {
		ops = append(ops, Insert{Pos: pos, Text: "X"}, Insert{Pos: pos, Text: "YZ"})
	}
	for pos := 0; pos < len(doc); pos++ {
		for l := 1; pos+l <= len(doc); l++ {
			ops = append(ops, Delete{Pos: pos, Len: l})
		}
	}
	ops = append(ops, Retain{}, Retain{Len: 3})

	for _, a := range ops {
		for _, b := range ops {
			t.Run(fmt.Sprintf("%#v_vs_%#v", a, b), func(t *testing.T) {
				applyDiamond(t, doc, a, b)
			})
		}
	}
}

func TestTransform_RetainIdentity(t *testing.T) {
	ops := []Op{
		Insert{Pos: 2, Text: "x"},
		Delete{Pos: 1, Len: 3},
		Retain{Len: 5},
	}
	for _, op := range ops {
		ap, bp := Transform(op, Retain{Len: 4})
		assert.Equal(t, op, ap, "transform against retain must not shift")
		assert.Equal(t, Retain{Len: 4}, bp)

		ap, bp = Transform(Retain{Len: 4}, op)
		assert.Equal(t, Retain{Len: 4}, ap)
		assert.Equal(t, op, bp)
	}
}

func TestTransform_InsertInsertTieBreak(t *testing.T) {
	// При равных позициях второй операнд остаётся логически первым:
	// a сдвигается вправо, b не меняется. Это протокольная константа.
	a := Insert{Pos: 3, Text: "A"}
	b := Insert{Pos: 3, Text: "B"}

	ap, bp := Transform(a, b)
	assert.Equal(t, Insert{Pos: 4, Text: "A"}, ap)
	assert.Equal(t, b, bp)

	final := applyDiamond(t, "abcdef", a, b)
	assert.Equal(t, "abcBAdef", final)
}

func TestTransform_InsertVsDelete(t *testing.T) {
	tests := []struct {
		name   string
		ins    Insert
		del    Delete
		wantA  Op
		wantB  Op
	}{
		{
			name:  "insert before delete shifts delete right",
			ins:   Insert{Pos: 1, Text: "xy"},
			del:   Delete{Pos: 3, Len: 2},
			wantA: Insert{Pos: 1, Text: "xy"},
			wantB: Delete{Pos: 5, Len: 2},
		},
		{
			name:  "insert at delete start keeps insert",
			ins:   Insert{Pos: 3, Text: "x"},
			del:   Delete{Pos: 3, Len: 2},
			wantA: Insert{Pos: 3, Text: "x"},
			wantB: Delete{Pos: 4, Len: 2},
		},
		{
			name:  "insert after delete shifts insert left",
			ins:   Insert{Pos: 5, Text: "x"},
			del:   Delete{Pos: 1, Len: 2},
			wantA: Insert{Pos: 3, Text: "x"},
			wantB: Delete{Pos: 1, Len: 2},
		},
		{
			name:  "insert inside delete is swallowed",
			ins:   Insert{Pos: 3, Text: "x"},
			del:   Delete{Pos: 2, Len: 3},
			wantA: Insert{Pos: 2},
			wantB: Delete{Pos: 2, Len: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ap, bp := Transform(tt.ins, tt.del)
			assert.Equal(t, tt.wantA, ap)
			assert.Equal(t, tt.wantB, bp)
			applyDiamond(t, "abcdef", tt.ins, tt.del)
		})
	}
}

func TestTransform_DeleteDelete(t *testing.T) {
	tests := []struct {
		name  string
		a     Delete
		b     Delete
		wantA Op
		wantB Op
	}{
		{
			name:  "disjoint, a before b",
			a:     Delete{Pos: 0, Len: 2},
			b:     Delete{Pos: 4, Len: 2},
			wantA: Delete{Pos: 0, Len: 2},
			wantB: Delete{Pos: 2, Len: 2},
		},
		{
			name:  "partial overlap shrinks both",
			a:     Delete{Pos: 1, Len: 3},
			b:     Delete{Pos: 2, Len: 3},
			wantA: Delete{Pos: 1, Len: 1},
			wantB: Delete{Pos: 1, Len: 1},
		},
		{
			name:  "a subsumed by b collapses to retain",
			a:     Delete{Pos: 2, Len: 2},
			b:     Delete{Pos: 1, Len: 4},
			wantA: Retain{},
			wantB: Delete{Pos: 1, Len: 2},
		},
		{
			name:  "identical deletes both collapse",
			a:     Delete{Pos: 2, Len: 3},
			b:     Delete{Pos: 2, Len: 3},
			wantA: Retain{},
			wantB: Retain{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ap, bp := Transform(tt.a, tt.b)
			assert.Equal(t, tt.wantA, ap)
			assert.Equal(t, tt.wantB, bp)
			applyDiamond(t, "abcdef", tt.a, tt.b)
		})
	}
}

func TestTransform_ScenarioHelloConcurrentInserts(t *testing.T) {
	// Базовый документ "hello"; A вставляет "!" в позицию 5, B вставляет
	// "Hi " в позицию 0, обе против версии 0. Сервер применяет A первой,
	// затем трансформированную B: итог "Hi hello!".
	const doc = "hello"
	batchA := Batch{Insert{Pos: 5, Text: "!"}}
	batchB := Batch{Insert{Pos: 0, Text: "Hi "}}

	afterA, err := ApplyBatch(doc, batchA)
	require.NoError(t, err)
	assert.Equal(t, "hello!", afterA)

	bPrime, _ := TransformBatch(batchB, batchA)
	final, err := ApplyBatch(afterA, bPrime)
	require.NoError(t, err)
	assert.Equal(t, "Hi hello!", final)
}

func TestTransform_ScenarioMiddleInsertsConverge(t *testing.T) {
	// Конкурентные insert(5,"X") и insert(7,"Y") должны сойтись в обоих
	// порядках применения.
	const doc = "abcdefghij"
	a := Batch{Insert{Pos: 5, Text: "X"}}
	b := Batch{Insert{Pos: 7, Text: "Y"}}

	afterA, err := ApplyBatch(doc, a)
	require.NoError(t, err)
	bPrime, _ := TransformBatch(b, a)
	viaA, err := ApplyBatch(afterA, bPrime)
	require.NoError(t, err)

	afterB, err := ApplyBatch(doc, b)
	require.NoError(t, err)
	aPrime, _ := TransformBatch(a, b)
	viaB, err := ApplyBatch(afterB, aPrime)
	require.NoError(t, err)

	assert.Equal(t, viaA, viaB)
	assert.Equal(t, "abcdeXfgYhij", viaA)
}

func TestTransformBatch_Diamond(t *testing.T) {
	// Батчи из diff тоже должны сходиться через TransformBatch.
	const doc = "the quick brown fox"
	a := Diff(doc, "the slow brown fox")
	b := Diff(doc, "the quick brown cat")

	ap, bp := TransformBatch(a, b)

	viaB, err := ApplyBatch(doc, b)
	require.NoError(t, err)
	viaB, err = ApplyBatch(viaB, ap)
	require.NoError(t, err)

	viaA, err := ApplyBatch(doc, a)
	require.NoError(t, err)
	viaA, err = ApplyBatch(viaA, bp)
	require.NoError(t, err)

	assert.Equal(t, viaB, viaA)
	assert.Equal(t, "the slow brown cat", viaA)
}

func TestCompose(t *testing.T) {
	tests := []struct {
		name string
		op1  Op
		op2  Op
		want Op
	}{
		{name: "retain after op keeps op", op1: Insert{Pos: 2, Text: "x"}, op2: Retain{Len: 1}, want: Insert{Pos: 2, Text: "x"}},
		{name: "op after retain keeps op", op1: Retain{Len: 1}, op2: Delete{Pos: 0, Len: 1}, want: Delete{Pos: 0, Len: 1}},
		{name: "earlier insert shifts insert", op1: Insert{Pos: 3, Text: "a"}, op2: Insert{Pos: 1, Text: "bb"}, want: Insert{Pos: 5, Text: "a"}},
		{name: "later insert keeps insert", op1: Insert{Pos: 1, Text: "a"}, op2: Insert{Pos: 4, Text: "b"}, want: Insert{Pos: 1, Text: "a"}},
		{name: "delete before insert shifts insert left", op1: Insert{Pos: 5, Text: "a"}, op2: Delete{Pos: 1, Len: 2}, want: Insert{Pos: 3, Text: "a"}},
		{name: "insert before delete shifts delete right", op1: Delete{Pos: 3, Len: 2}, op2: Insert{Pos: 1, Text: "xy"}, want: Delete{Pos: 5, Len: 2}},
		{name: "adjacent deletes merge", op1: Delete{Pos: 2, Len: 2}, op2: Delete{Pos: 2, Len: 3}, want: Delete{Pos: 2, Len: 3}},
		{name: "overlapping deletes cover the union", op1: Delete{Pos: 1, Len: 3}, op2: Delete{Pos: 3, Len: 2}, want: Delete{Pos: 1, Len: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compose(tt.op1, tt.op2))
		})
	}
}
