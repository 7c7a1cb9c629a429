package sinfo

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_InternImage_SameNameResolvesToOneRecord(t *testing.T) {
	r := New()
	a := r.InternImage("libfoo.so")
	b := r.InternImage("libfoo.so")
	require.Same(t, a, b)

	c := r.InternImage("libbar.so")
	require.NotEqual(t, a.ID, c.ID)
}

func TestRegistry_InternInst_StableIDs(t *testing.T) {
	r := New()
	img := r.InternImage("app")

	i1 := r.InternInst(img, 0x100, "mov", "")
	i2 := r.InternInst(img, 0x100, "mov", "")
	require.Equal(t, i1.ID, i2.ID)

	i3 := r.InternInst(img, 0x200, "mov", "")
	require.NotEqual(t, i1.ID, i3.ID)

	got, ok := r.FindInst(i1.ID)
	require.True(t, ok)
	require.Equal(t, i1, got)
}

func TestRegistry_SynthesizeInst_NeverCollides(t *testing.T) {
	r := New()
	a := r.SynthesizeInst()
	b := r.SynthesizeInst()
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, r.PseudoImage().ID, a.Image)
}

func TestRegistry_SaveLoad_RoundTrip(t *testing.T) {
	r := New()
	img := r.InternImage("app")
	lib := r.InternImage("libc.so")
	r.InternInst(img, 0x10, "mov", "main.go:10")
	r.InternInst(lib, 0x20, "", "")

	var buf bytes.Buffer
	require.NoError(t, r.Save(&buf))

	r2 := New()
	require.NoError(t, r2.Load(bytes.NewReader(buf.Bytes())))

	imagesA, instsA := r.Snapshot()
	imagesB, instsB := r2.Snapshot()
	require.Equal(t, imagesA, imagesB)
	require.Equal(t, instsA, instsB)
}

func TestRegistry_Restore_PreservesIDAssignment(t *testing.T) {
	r := New()
	img := r.InternImage("app")
	inst := r.InternInst(img, 0x10, "", "")

	var buf bytes.Buffer
	require.NoError(t, r.Save(&buf))

	r2 := New()
	require.NoError(t, r2.Load(bytes.NewReader(buf.Bytes())))

	// Reopening must preserve id assignment: a newly interned image gets
	// an id strictly greater than every id already persisted.
	next := r2.InternImage("newlib.so")
	require.Greater(t, uint32(next.ID), uint32(img.ID))

	same := r2.InternInst(img, 0x10, "", "")
	require.Equal(t, inst.ID, same.ID)
}

func TestRegistry_Restore_DuplicateIDIsCollisionError(t *testing.T) {
	r := New()
	images := []*Image{{ID: 5, Name: "a"}, {ID: 5, Name: "b"}}
	err := r.Restore(images, nil)
	require.Error(t, err)
}
