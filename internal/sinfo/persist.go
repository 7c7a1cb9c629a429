package sinfo

import (
	"io"

	"github.com/joeycumines/go-idiomscan/internal/framing"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers match spec.md §6.2's ImageProto / InstProto layout.
const (
	imageFieldID   protowire.Number = 1
	imageFieldName protowire.Number = 2

	instFieldID        protowire.Number = 1
	instFieldImageID   protowire.Number = 2
	instFieldOffset    protowire.Number = 3
	instFieldOpcode    protowire.Number = 4
	instFieldDebugInfo protowire.Number = 5
)

func (img *Image) Marshal() []byte {
	var b []byte
	b = framing.AppendUvarintField(b, imageFieldID, uint64(img.ID))
	b = framing.AppendStringField(b, imageFieldName, img.Name)
	return b
}

func (img *Image) Unmarshal(b []byte) error {
	return framing.ConsumeFields(b, func(f framing.Field) error {
		switch f.Num {
		case imageFieldID:
			img.ID = ImageID(f.Varint)
		case imageFieldName:
			img.Name = string(f.Bytes)
		}
		return nil
	})
}

func (inst *Inst) Marshal() []byte {
	var b []byte
	b = framing.AppendUvarintField(b, instFieldID, uint64(inst.ID))
	b = framing.AppendUvarintField(b, instFieldImageID, uint64(inst.Image))
	b = framing.AppendUvarintField(b, instFieldOffset, inst.Offset)
	if inst.Opcode != "" {
		b = framing.AppendStringField(b, instFieldOpcode, inst.Opcode)
	}
	if inst.DebugInfo != "" {
		b = framing.AppendStringField(b, instFieldDebugInfo, inst.DebugInfo)
	}
	return b
}

func (inst *Inst) Unmarshal(b []byte) error {
	return framing.ConsumeFields(b, func(f framing.Field) error {
		switch f.Num {
		case instFieldID:
			inst.ID = InstID(f.Varint)
		case instFieldImageID:
			inst.Image = ImageID(f.Varint)
		case instFieldOffset:
			inst.Offset = f.Varint
		case instFieldOpcode:
			inst.Opcode = string(f.Bytes)
		case instFieldDebugInfo:
			inst.DebugInfo = string(f.Bytes)
		}
		return nil
	})
}

// Save persists every interned image and instruction to sinfo.db, in the
// length-prefixed format shared by every idiomscan database
// (SPEC_FULL.md §3.1). Images are written first so Load can always resolve
// an instruction's owning image on the first pass.
func (r *Registry) Save(w io.Writer) error {
	images, insts := r.Snapshot()
	fw := framing.NewWriter(w)
	// A leading count record lets Load distinguish "images" from "insts"
	// without a type tag per record.
	if err := fw.Put(&countRecord{Images: uint64(len(images)), Insts: uint64(len(insts))}); err != nil {
		return err
	}
	for _, img := range images {
		if err := fw.Put(img); err != nil {
			return err
		}
	}
	for _, inst := range insts {
		if err := fw.Put(inst); err != nil {
			return err
		}
	}
	return fw.Flush()
}

// Load reads a previously saved sinfo.db into the registry, overwriting
// any entry with the same id and keeping the others, and advances id
// counters past the max id seen (spec.md §4.1).
func (r *Registry) Load(rd io.Reader) error {
	fr := framing.NewReader(rd)

	head, err := fr.Next()
	if err != nil {
		return err
	}
	var cr countRecord
	if err := cr.Unmarshal(head); err != nil {
		return err
	}

	images := make([]*Image, 0, cr.Images)
	for i := uint64(0); i < cr.Images; i++ {
		raw, err := fr.Next()
		if err != nil {
			return err
		}
		img := &Image{}
		if err := img.Unmarshal(raw); err != nil {
			return err
		}
		images = append(images, img)
	}

	insts := make([]*Inst, 0, cr.Insts)
	for i := uint64(0); i < cr.Insts; i++ {
		raw, err := fr.Next()
		if err != nil {
			return err
		}
		inst := &Inst{}
		if err := inst.Unmarshal(raw); err != nil {
			return err
		}
		insts = append(insts, inst)
	}

	return r.Restore(images, insts)
}

type countRecord struct {
	Images uint64
	Insts  uint64
}

const (
	countFieldImages protowire.Number = 1
	countFieldInsts  protowire.Number = 2
)

func (c *countRecord) Marshal() []byte {
	var b []byte
	b = framing.AppendUvarintField(b, countFieldImages, c.Images)
	b = framing.AppendUvarintField(b, countFieldInsts, c.Insts)
	return b
}

func (c *countRecord) Unmarshal(b []byte) error {
	return framing.ConsumeFields(b, func(f framing.Field) error {
		switch f.Num {
		case countFieldImages:
			c.Images = f.Varint
		case countFieldInsts:
			c.Insts = f.Varint
		}
		return nil
	})
}
